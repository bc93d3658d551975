package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/ingest"
)

type fetchOptions struct {
	href        string
	withContent bool
	resource    bool
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch one URL through the browse protocol and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.href, "href", "", "location to navigate to instead of the url")
	cmd.Flags().BoolVar(&opts.withContent, "content", false, "include the page content in the output")
	cmd.Flags().BoolVar(&opts.resource, "resource", false, "load the url as a raw resource without rendering it")
	return cmd
}

type fetchOutput struct {
	ID             string             `json:"id"`
	URL            string             `json:"url"`
	State          crawler.StatusCode `json:"state"`
	Scope          crawler.RetryScope `json:"scope,omitempty"`
	Message        string             `json:"message,omitempty"`
	SessionRetired bool               `json:"session_retired"`
	FetchCount     int                `json:"fetch_count"`
	ContentType    string             `json:"content_type,omitempty"`
	ContentLength  int                `json:"content_length"`
	Content        string             `json:"content,omitempty"`
}

func runFetch(cmd *cobra.Command, rawURL string, opts fetchOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	eng, err := buildEngine(ctx, rt.cfg, rt.logger, 1)
	if err != nil {
		return err
	}
	defer eng.Close()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	result, err := eng.service.ExecuteAndWait(ctx, ingest.Request{URL: rawURL, Href: opts.href, Resource: opts.resource})
	cancel()
	if runErr := <-done; runErr != nil {
		rt.logger.Warn("engine stopped with error", zap.Error(runErr))
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return writeFetchOutput(cmd.OutOrStdout(), result, opts.withContent)
}

// writeFetchOutput reads the page only for finished results; a canceled task
// may still be held by its worker.
func writeFetchOutput(w io.Writer, result crawler.FetchResult, withContent bool) error {
	out := fetchOutput{
		State:          result.Status.Code,
		Scope:          result.Status.Scope,
		Message:        result.Status.Message,
		SessionRetired: result.SessionRetired,
	}
	if task := result.Task; task != nil {
		out.ID = task.ID
		out.URL = task.URL
		if !result.IsCanceled() && task.Page != nil {
			out.FetchCount = task.Page.FetchCount
			out.ContentType = task.Page.ContentType
			out.ContentLength = len(task.Page.Content)
			if withContent {
				out.Content = string(task.Page.Content)
			}
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
