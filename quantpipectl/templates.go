package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage pipeline templates",
}

var (
	templateName       string
	templateConfigPath string
	templateDefault    bool
)

var templateCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pipeline template from a YAML config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if templateName == "" {
			return errors.New("--name is required")
		}
		config := map[string]any{}
		if templateConfigPath != "" {
			data, err := os.ReadFile(templateConfigPath)
			if err != nil {
				return fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &config); err != nil {
				return fmt.Errorf("parse config file: %w", err)
			}
		}
		raw, err := newClient().post("/templates", map[string]any{
			"name":       templateName,
			"config":     config,
			"is_default": templateDefault,
		})
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().get("/templates")
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var templateGetCmd = &cobra.Command{
	Use:   "get <template-id>",
	Short: "Show one pipeline template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().get("/templates/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var templateSetDefaultCmd = &cobra.Command{
	Use:   "set-default <template-id>",
	Short: "Mark a template as the default for new pipeline runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().post("/templates/"+url.PathEscape(args[0])+"/set-default", nil)
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

func init() {
	templateCreateCmd.Flags().StringVar(&templateName, "name", "", "template name")
	templateCreateCmd.Flags().StringVar(&templateConfigPath, "config", "", "path to a YAML file with the pipeline config")
	templateCreateCmd.Flags().BoolVar(&templateDefault, "default", false, "mark the template as default")

	templatesCmd.AddCommand(templateCreateCmd)
	templatesCmd.AddCommand(templateListCmd)
	templatesCmd.AddCommand(templateGetCmd)
	templatesCmd.AddCommand(templateSetDefaultCmd)
}
