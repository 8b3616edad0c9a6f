package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/browser"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List known object types in detection order",
	Args:  cobra.NoArgs,
	RunE:  runTypes,
}

var detectCmd = &cobra.Command{
	Use:   "detect <url>",
	Short: "Print the object a Domo URL points at as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runDetect,
}

var openCmd = &cobra.Command{
	Use:   "open <url | id>",
	Short: "Open the canonical page of an object in the default browser",
	Long: "With a URL, the object it shows is opened at its canonical address. " +
		"With a bare id, --type and --instance name the object.",
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

func init() {
	typesCmd.Flags().StringP("output", "o", "", "Output format (json)")
	openCmd.Flags().StringP("type", "t", "", "Object type id for a bare id, e.g. PAGE")
	openCmd.Flags().StringP("instance", "i", "", "Instance subdomain for a bare id, e.g. acme")
	openCmd.Flags().String("parent", "", "Parent id for types whose URL needs one")
	openCmd.Flags().Bool("print", false, "Print the URL instead of opening it")
}

func newDetector() (*detect.Detector, error) {
	cfg, err := loadConfig(true)
	if err != nil {
		return nil, err
	}
	return detect.New(objecttype.Default(), cfg.HostSuffix, cfg.ExcludedHosts), nil
}

func runTypes(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	types := objecttype.Default().All()
	if output == "json" {
		return printJSON(types)
	}

	table := pterm.TableData{{"#", "ID", "NAME", "URL", "API", "PARENTS"}}
	for i, d := range types {
		urlCol := "-"
		if d.URLTemplate != "" {
			urlCol = d.URLTemplate
		}
		apiCol := "-"
		if d.API != nil {
			apiCol = d.API.Method + " " + d.API.Endpoint
		}
		table = append(table, []string{
			fmt.Sprint(i + 1), d.ID, d.DisplayName, urlCol, apiCol, strings.Join(d.Parents, ","),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func runDetect(cmd *cobra.Command, args []string) error {
	det, err := newDetector()
	if err != nil {
		return err
	}
	v := det.FromURL(args[0], nil)
	if v == nil {
		pterm.Warning.Println("No object detected in " + args[0])
		return nil
	}
	return printJSON(v.Serialize())
}

func runOpen(cmd *cobra.Command, args []string) error {
	det, err := newDetector()
	if err != nil {
		return err
	}
	target, err := openTarget(cmd, det, args[0])
	if err != nil {
		return err
	}
	if p, _ := cmd.Flags().GetBool("print"); p {
		fmt.Println(target)
		return nil
	}
	pterm.Info.Println("Opening " + target)
	return browser.OpenURL(target)
}

func openTarget(cmd *cobra.Command, det *detect.Detector, arg string) (string, error) {
	if strings.Contains(arg, "://") {
		v := det.FromURL(arg, nil)
		if v == nil || v.URL() == "" {
			return "", fmt.Errorf("no navigable object in %s", arg)
		}
		return v.URL(), nil
	}

	typeID, _ := cmd.Flags().GetString("type")
	instance, _ := cmd.Flags().GetString("instance")
	parentID, _ := cmd.Flags().GetString("parent")
	if typeID == "" || instance == "" {
		return "", fmt.Errorf("a bare id needs --type and --instance")
	}
	baseURL := "https://" + strings.ToLower(instance) + det.HostSuffix()
	var opts []object.Option
	if parentID != "" {
		opts = append(opts, object.WithParentID(parentID))
	}
	v, err := object.New(det.Registry(), strings.ToUpper(typeID), arg, baseURL, opts...)
	if err != nil {
		return "", err
	}
	if v.URL() == "" {
		return "", fmt.Errorf("%s %s: %w", v.TypeID(), v.ID(), objecttype.ErrNotNavigable)
	}
	return v.URL(), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
