package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/face-auth/internal/config"
	"github.com/spf13/cobra"
)

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Manage enrolled identities",
}

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	RunE:  runIdentitiesList,
}

var identitiesDeleteCmd = &cobra.Command{
	Use:   "delete <face-id>",
	Short: "Delete an enrolled identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentitiesDelete,
}

func init() {
	rootCmd.AddCommand(identitiesCmd)
	identitiesCmd.AddCommand(identitiesListCmd)
	identitiesCmd.AddCommand(identitiesDeleteCmd)

	identitiesListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runIdentitiesList(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := cmd.Context()
	cfg := config.Load()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	list, err := rt.svc.List(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	if len(list) == 0 {
		fmt.Println("No identities enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FACE ID\tNAME\tEMAIL\tMODEL\tREFS\tENROLLED")
	fmt.Fprintln(w, "-------\t----\t-----\t-----\t----\t--------")
	for _, id := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", id.FaceID, id.Name, id.Email, id.Model,
			id.References, id.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d identities\n", len(list))
	return nil
}

func runIdentitiesDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.svc.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted identity %s\n", args[0])
	return nil
}
