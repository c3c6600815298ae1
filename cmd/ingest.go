package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/qiyuan-ai/agentchat/internal/ingest"
)

var ingestCollection string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest documents into a collection",
	Long: `Ingest splits each file into blocks, embeds them, and writes the
chunks into the vector index (and the keyword index when configured).
Re-ingesting a file replaces its previous chunks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestCollection, "collection", "c", "", "target collection (required)")
	_ = ingestCmd.MarkFlagRequired("collection")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var failures int
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", path, err)
			failures++
			continue
		}

		blocks := ingest.SplitBlocks(string(data))
		fileID := filepath.Clean(path)

		res, err := a.writer.Ingest(ctx, ingestCollection, fileID, blocks)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ingest %s: %v\n", path, err)
			failures++
			continue
		}

		fmt.Printf("%s: %d chunks written, %d failed, %d replaced\n",
			path, res.Succeeded, res.Failed, res.Deleted)
		if res.Failed > 0 {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d files had failures", failures, len(args))
	}
	return nil
}
