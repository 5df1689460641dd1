package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"geomonitor/internal/auditlog"
)

func (c *cli) newGetCmd() *cobra.Command {
	var body string

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a stored request record",
		Long: `Reads a record from the configured storage and prints it as JSON.
With --body request or --body response the stored body is written instead.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd.Context(), cmd.OutOrStdout(), args[0], body)
		},
	}

	cmd.Flags().StringVar(&body, "body", "", "Write the stored body instead: request or response")
	return cmd
}

func (c *cli) get(ctx context.Context, out io.Writer, id, body string) error {
	if body != "" && body != "request" && body != "response" {
		return fmt.Errorf("invalid body kind %q, use request or response", body)
	}

	svc, err := auditlog.New(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Monitor.ShutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			slog.Warn("failed to close monitor storage", "error", err)
		}
	}()

	doc, err := svc.DAO.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("get record %s: %w", id, err)
	}

	if body == "" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	blobID := doc.ResponseBodyID
	if body == "request" {
		blobID = doc.RequestBodyID
	}
	if blobID == nil || *blobID == "" {
		return fmt.Errorf("record %s has no stored %s body", id, body)
	}
	rc, err := svc.DAO.OpenBody(ctx, *blobID)
	if err != nil {
		return fmt.Errorf("open %s body: %w", body, err)
	}
	defer rc.Close()
	_, err = io.Copy(out, rc)
	return err
}
