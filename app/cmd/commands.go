package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"contractrag/app/server"
	"contractrag/types"

	"github.com/spf13/cobra"
)

func createServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := server.New(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Run(cmd.Context())
		},
	}
}

func createMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema for the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := server.OpenStore(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s, %d dimensions)\n", opts.cfg.StoreBackend, st.Dimension())
			return nil
		},
	}
}

func createIngestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.pdf>...",
		Short: "Ingest PDF files into the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := server.New(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			var failed int
			for _, path := range args {
				res, err := s.Ingestor().IngestPath(cmd.Context(), path)
				if err != nil {
					failed++
					cmd.PrintErrf("%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tpages=%d\tchunks=%d\n", res.Document.ID, res.Document.Filename, res.Document.PageCount, res.Chunks)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
}

func createAskCommand(opts *rootOptions) *cobra.Command {
	var (
		docs    []string
		topK    int
		stream  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the indexed contracts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := server.New(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			q := types.Query{Question: args[0], TopK: topK}
			if cmd.Flags().Changed("doc") {
				q.DocumentIDs = docs
			}

			out := cmd.OutOrStdout()
			if stream {
				for ev := range s.Engine().AnswerStream(ctx, q) {
					if ev.Type == types.EventError {
						fmt.Fprintln(out)
						return errors.New(ev.Message)
					}
					fmt.Fprint(out, ev.Text)
				}
				fmt.Fprintln(out)
				return nil
			}

			answer, err := s.Engine().Answer(ctx, q)
			if err != nil {
				return err
			}
			printAnswer(out, answer)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&docs, "doc", nil, "restrict the search to these document ids")
	cmd.Flags().IntVarP(&topK, "top-k", "k", types.DefaultTopK, "number of chunks to retrieve (1-20)")
	cmd.Flags().BoolVar(&stream, "stream", false, "print the answer as it is generated")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "give up after this long")
	return cmd
}

func printAnswer(out io.Writer, a *types.Answer) {
	fmt.Fprintln(out, a.Answer)
	if len(a.Citations) == 0 {
		return
	}
	fmt.Fprintln(out, "\nCitations:")
	for i, c := range a.Citations {
		fmt.Fprintf(out, "  [%d] %s p.%d (%d-%d)\n", i+1, c.DocumentID, c.Page, c.CharStart, c.CharEnd)
	}
	fmt.Fprintf(out, "Sources: %s\n", strings.Join(a.Sources, ", "))
}
