package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/template"
)

var (
	tplName     string
	tplSubject  string
	tplHTMLFile string
	tplTextFile string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Template management commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored templates",
	RunE:  runTemplateList,
}

var templateSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Create or update a template",
	RunE:  runTemplateSave,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show template details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDelete,
}

func init() {
	templateSaveCmd.Flags().StringVar(&tplName, "name", "", "Template name (required)")
	templateSaveCmd.Flags().StringVar(&tplSubject, "subject", "", "Subject template (required)")
	templateSaveCmd.Flags().StringVar(&tplHTMLFile, "html", "", "HTML body template file")
	templateSaveCmd.Flags().StringVar(&tplTextFile, "text", "", "Plain text body template file")
	templateSaveCmd.MarkFlagRequired("name")
	templateSaveCmd.MarkFlagRequired("subject")

	templateCmd.AddCommand(templateListCmd, templateSaveCmd, templateShowCmd, templateDeleteCmd)
	rootCmd.AddCommand(templateCmd)
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	_, templates, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := templates.List(template.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No templates stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSUBJECT\tVARIABLES\tUPDATED")
	fmt.Fprintln(w, "----\t-------\t---------\t-------")
	for _, tpl := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			tpl.Name,
			tpl.Subject,
			strings.Join(tpl.Variables, ", "),
			tpl.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}

func runTemplateSave(cmd *cobra.Command, args []string) error {
	tpl := &template.Template{
		Name:    tplName,
		Subject: tplSubject,
	}

	if tplHTMLFile != "" {
		data, err := os.ReadFile(tplHTMLFile)
		if err != nil {
			return fmt.Errorf("failed to read HTML file: %w", err)
		}
		tpl.HTML = string(data)
	}
	if tplTextFile != "" {
		data, err := os.ReadFile(tplTextFile)
		if err != nil {
			return fmt.Errorf("failed to read text file: %w", err)
		}
		tpl.Text = string(data)
	}

	_, templates, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := templates.Save(tpl); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}

	fmt.Printf("Template %s saved\n", tpl.Name)
	if len(tpl.Variables) > 0 {
		fmt.Printf("Variables: %s\n", strings.Join(tpl.Variables, ", "))
	}
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	_, templates, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	name := args[0]
	tpl, err := templates.Get(name)
	if err != nil {
		return fmt.Errorf("failed to get template: %w", err)
	}
	if tpl == nil {
		return fmt.Errorf("template not found: %s", name)
	}

	fmt.Printf("Template: %s\n\n", tpl.Name)
	fmt.Printf("Subject:   %s\n", tpl.Subject)
	fmt.Printf("Variables: %s\n", strings.Join(tpl.Variables, ", "))
	fmt.Printf("Created:   %s\n", tpl.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Printf("Updated:   %s\n", tpl.UpdatedAt.Format("2006-01-02 15:04"))

	if tpl.Text != "" {
		fmt.Println("\nText body:")
		fmt.Println("---")
		fmt.Println(tpl.Text)
		fmt.Println("---")
	}
	if tpl.HTML != "" {
		fmt.Println("\nHTML body:")
		fmt.Println("---")
		fmt.Println(tpl.HTML)
		fmt.Println("---")
	}

	return nil
}

func runTemplateDelete(cmd *cobra.Command, args []string) error {
	_, templates, cleanup, err := openStore()
	if err != nil {
		return err
	}
	defer cleanup()

	name := args[0]
	deleted, err := templates.Delete(name)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if !deleted {
		return fmt.Errorf("template not found: %s", name)
	}

	fmt.Printf("Template %s deleted\n", name)
	return nil
}
