package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/producer"
	"github.com/yairfalse/vahti/internal/store"
	"github.com/yairfalse/vahti/pkg/resource"
)

func newIngestCommand(global *globalOptions) *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "ingest <envelope files or directories...>",
		Short: "Replace the asset snapshot with exported envelopes",
		Long: `Read asset envelopes (JSON arrays or one envelope per line) and replace
the local snapshot with them in one transaction.

Every producer must succeed; a failing producer leaves the previous
snapshot in place.`,
		Example: `  vahti ingest ./inventory
  vahti ingest s3.json ec2.ndjson --store ./vahti-data`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Path = storePath
			}
			if cfg.Store.Backend != config.BackendBolt {
				return &exitError{code: engine.ExitFatal, err: fmt.Errorf("ingest: the %s backend is populated externally", cfg.Store.Backend)}
			}

			producer.Register(producer.NewFileProducer(args...))
			envelopes, err := produceAll(cmd, producer.All())
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}

			s, err := store.Open(cfg.Store.Path)
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}
			defer func() { _ = s.Close() }()

			res, err := s.ReplaceSnapshot(cmd.Context(), envelopes)
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}

			log.Info().
				Int64("revision", res.Revision).
				Int("tables", res.Tables).
				Int("assets", res.Assets).
				Int("added", res.Added).
				Int("deleted", res.Deleted).
				Int("modified", res.Modified).
				Msg("snapshot replaced")
			fmt.Fprintf(cmd.OutOrStdout(), "revision %d: %d assets in %d tables\n", res.Revision, res.Assets, res.Tables)
			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "Snapshot store directory")
	return cmd
}

// produceAll runs every producer and fails on the first producer error.
func produceAll(cmd *cobra.Command, producers []producer.Producer) ([]resource.Envelope, error) {
	var envelopes []resource.Envelope
	for _, r := range producer.RunAll(cmd.Context(), producers) {
		if r.Error != nil {
			return nil, fmt.Errorf("producer %s: %w", r.Producer, r.Error)
		}
		log.Debug().
			Str("producer", r.Producer).
			Int("envelopes", len(r.Envelopes)).
			Dur("duration", r.Duration).
			Msg("producer finished")
		envelopes = append(envelopes, r.Envelopes...)
	}
	return envelopes, nil
}
