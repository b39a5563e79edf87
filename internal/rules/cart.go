package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// CARTTrainer is the default Trainer: a depth-limited binary decision tree
// split on gini impurity. It exists so the pipeline runs end to end without
// an external model service; any Trainer can replace it.
type CARTTrainer struct{}

func NewCARTTrainer() *CARTTrainer {
	return &CARTTrainer{}
}

type treeNode struct {
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode

	leaf    bool
	class   int
	samples int
	// fraction of samples carrying the majority class
	confidence float64
}

func (t *CARTTrainer) Fit(ctx context.Context, features [][]float64, labels []int, featureNames []string, cfg TrainerConfig) (FitResult, error) {
	if t == nil {
		return FitResult{}, errors.New("trainer not initialized")
	}
	if err := cfg.Validate(); err != nil {
		return FitResult{}, err
	}
	if len(features) == 0 || len(features) != len(labels) {
		return FitResult{}, fmt.Errorf("features/labels mismatch: %d vs %d", len(features), len(labels))
	}
	width := len(featureNames)
	for i, row := range features {
		if len(row) != width {
			return FitResult{}, fmt.Errorf("row %d has %d values, expected %d", i, len(row), width)
		}
	}
	for _, label := range labels {
		if label != 0 && label != 1 {
			return FitResult{}, fmt.Errorf("labels must be binary, got %d", label)
		}
	}

	indices := make([]int, len(features))
	for i := range indices {
		indices[i] = i
	}
	root := t.build(ctx, features, labels, indices, cfg, 0)
	if root == nil {
		return FitResult{}, ctx.Err()
	}

	correct := 0
	for i, row := range features {
		if predict(root, row) == labels[i] {
			correct++
		}
	}

	var extracted []DecisionRule
	collectRules(root, featureNames, nil, cfg.MinRuleSamples, &extracted)

	return FitResult{
		Rules:         extracted,
		TrainAccuracy: float64(correct) / float64(len(labels)),
	}, nil
}

func (t *CARTTrainer) build(ctx context.Context, features [][]float64, labels []int, indices []int, cfg TrainerConfig, depth int) *treeNode {
	if ctx.Err() != nil {
		return nil
	}
	ones := 0
	for _, idx := range indices {
		ones += labels[idx]
	}
	node := leafFor(indices, ones)

	if depth >= cfg.MaxDepth || len(indices) < cfg.MinSamplesSplit || ones == 0 || ones == len(indices) {
		return node
	}

	feature, threshold, ok := bestSplit(features, labels, indices, cfg.MinSamplesLeaf)
	if !ok {
		return node
	}

	left := make([]int, 0, len(indices))
	right := make([]int, 0, len(indices))
	for _, idx := range indices {
		if features[idx][feature] <= threshold {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}

	node.leaf = false
	node.feature = feature
	node.threshold = threshold
	node.left = t.build(ctx, features, labels, left, cfg, depth+1)
	node.right = t.build(ctx, features, labels, right, cfg, depth+1)
	if node.left == nil || node.right == nil {
		return nil
	}
	return node
}

func leafFor(indices []int, ones int) *treeNode {
	zeros := len(indices) - ones
	class := 0
	majority := zeros
	if ones > zeros {
		class = 1
		majority = ones
	}
	confidence := 0.0
	if len(indices) > 0 {
		confidence = float64(majority) / float64(len(indices))
	}
	return &treeNode{
		leaf:       true,
		class:      class,
		samples:    len(indices),
		confidence: confidence,
	}
}

// bestSplit scans every feature for the gini-optimal threshold among
// midpoints of consecutive distinct values.
func bestSplit(features [][]float64, labels []int, indices []int, minSamplesLeaf int) (int, float64, bool) {
	bestFeature := -1
	bestThreshold := 0.0
	bestScore := math.Inf(1)

	total := len(indices)
	order := make([]int, total)

	width := 0
	if total > 0 {
		width = len(features[indices[0]])
	}
	for feature := 0; feature < width; feature++ {
		copy(order, indices)
		sort.Slice(order, func(a, b int) bool {
			return features[order[a]][feature] < features[order[b]][feature]
		})

		leftCount := 0
		leftOnes := 0
		totalOnes := 0
		for _, idx := range order {
			totalOnes += labels[idx]
		}

		for i := 0; i < total-1; i++ {
			idx := order[i]
			leftCount++
			leftOnes += labels[idx]

			current := features[idx][feature]
			next := features[order[i+1]][feature]
			if current == next || math.IsNaN(current) || math.IsNaN(next) {
				continue
			}
			rightCount := total - leftCount
			if leftCount < minSamplesLeaf || rightCount < minSamplesLeaf {
				continue
			}
			rightOnes := totalOnes - leftOnes
			score := weightedGini(leftCount, leftOnes, rightCount, rightOnes)
			if score < bestScore {
				bestScore = score
				bestFeature = feature
				bestThreshold = (current + next) / 2
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

func weightedGini(leftCount, leftOnes, rightCount, rightOnes int) float64 {
	total := float64(leftCount + rightCount)
	return gini(leftCount, leftOnes)*float64(leftCount)/total +
		gini(rightCount, rightOnes)*float64(rightCount)/total
}

func gini(count, ones int) float64 {
	if count == 0 {
		return 0
	}
	p := float64(ones) / float64(count)
	return 2 * p * (1 - p)
}

func predict(node *treeNode, row []float64) int {
	for !node.leaf {
		if row[node.feature] <= node.threshold {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.class
}

// collectRules turns each leaf with enough samples into a rule whose
// thresholds are the conjunction of ancestor split conditions.
func collectRules(node *treeNode, featureNames []string, path []Threshold, minRuleSamples int, out *[]DecisionRule) {
	if node == nil {
		return
	}
	if node.leaf {
		if node.samples < minRuleSamples {
			return
		}
		rule := DecisionRule{
			PredictedClass: node.class,
			Confidence:     node.confidence,
			Samples:        node.samples,
			Thresholds:     append([]Threshold(nil), path...),
		}
		*out = append(*out, rule)
		return
	}
	name := featureNames[node.feature]
	collectRules(node.left, featureNames,
		append(path, Threshold{Feature: name, Operator: "<=", Value: node.threshold}),
		minRuleSamples, out)
	collectRules(node.right, featureNames,
		append(path, Threshold{Feature: name, Operator: ">", Value: node.threshold}),
		minRuleSamples, out)
}
