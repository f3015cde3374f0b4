package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tokenvault/internal/adapters/transfer"
	"tokenvault/pkg/domain"
)

// RunList prints the persisted tokens.
func RunList(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	asJSON, err := boolFlag(cmd, "json")
	if err != nil {
		return err
	}
	tokens := e.service.List()
	out := cmd.OutOrStdout()
	if asJSON {
		data, err := domain.EncodePersistedTokens(tokens)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTYPE\tNAME\tSHAPE\tGROUPS")
	for _, token := range tokens {
		shape := "full"
		if !token.Full() {
			shape = "legacy"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", token.Key(), token.Type, token.Name(), shape, strings.Join(token.Groups, ","))
	}
	return tw.Flush()
}

// RunExport writes the token list to blob storage, or to a file with --out.
func RunExport(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	outPath, err := OptionalStringFlag(cmd, "out")
	if err != nil {
		return err
	}
	if outPath != "" {
		data, err := domain.EncodePersistedTokens(e.service.List())
		if err != nil {
			return err
		}
		if outPath == "-" {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		}
		return os.WriteFile(outPath, data, 0o644)
	}

	store, err := e.openBlob(cmd.Context())
	if err != nil {
		return err
	}
	archive, err := transfer.NewExporter(e.service, store, nil).Export(cmd.Context())
	if err != nil {
		return err
	}
	e.logger.Info("exported persisted tokens", "key", archive.Key, "tokens", archive.Tokens)
	return printJSON(cmd, archive)
}

// RunImport imports a file or a stored archive.
func RunImport(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	archiveKey, err := OptionalStringFlag(cmd, "archive")
	if err != nil {
		return err
	}
	overwrite, err := boolFlag(cmd, "overwrite")
	if err != nil {
		return err
	}
	dryRun, err := boolFlag(cmd, "dry-run")
	if err != nil {
		return err
	}
	if (archiveKey == "") == (len(args) == 0) {
		return errors.New("import needs exactly one of a file argument or --archive")
	}

	var data []byte
	importer := transfer.NewImporter(e.service, transfer.ServiceSink(e.service), nil)
	if archiveKey != "" {
		store, err := e.openBlob(cmd.Context())
		if err != nil {
			return err
		}
		data, err = transfer.NewExporter(e.service, store, nil).Read(cmd.Context(), archiveKey)
		if err != nil {
			return err
		}
	} else if data, err = os.ReadFile(args[0]); err != nil {
		return err
	}

	plan, err := importer.Prepare(data)
	if err != nil {
		return err
	}
	if dryRun {
		return printJSON(cmd, map[string]any{"tokens": len(plan.Tokens), "collisions": keysOrEmpty(plan.Collisions)})
	}
	report, err := importer.Commit(cmd.Context(), plan, overwrite)
	if errors.Is(err, transfer.ErrImportCollision) {
		return fmt.Errorf("%w (re-run with --overwrite to replace them)", err)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

// RunValidate checks an export file without touching any store.
func RunValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	tokens, err := domain.DecodePersistedTokens(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	legacy := 0
	for _, token := range tokens {
		if !token.Full() {
			legacy++
		}
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d persisted token(s), %d legacy\n", args[0], len(tokens), legacy)
	return err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func keysOrEmpty(keys []domain.Key) []domain.Key {
	if keys == nil {
		return []domain.Key{}
	}
	return keys
}
