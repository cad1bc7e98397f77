package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pbaille/cpsynth/internal/api"
	"github.com/pbaille/cpsynth/internal/catalog"
	"github.com/pbaille/cpsynth/internal/cluster"
	"github.com/pbaille/cpsynth/internal/config"
	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/embedding"
	"github.com/pbaille/cpsynth/internal/fetcher"
	"github.com/pbaille/cpsynth/internal/generator"
	"github.com/pbaille/cpsynth/internal/logger"
	"github.com/pbaille/cpsynth/internal/matcher"
	"github.com/pbaille/cpsynth/internal/profile"
	"github.com/pbaille/cpsynth/internal/session"
	"github.com/pbaille/cpsynth/internal/store"
	"github.com/pbaille/cpsynth/internal/validator"
	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
	sessionID  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "cpsynth",
		Short:        "Turn workshop activity cards into validated competency profiles",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "default", "session id")

	cardCmd := &cobra.Command{Use: "card", Short: "Manage activity cards"}
	cardCmd.AddCommand(cardAddCmd(), cardListCmd())

	catalogCmd := &cobra.Command{Use: "catalog", Short: "Manage the reference catalog"}
	catalogCmd.AddCommand(catalogBuildCmd(), catalogListCmd())

	rootCmd.AddCommand(cardCmd)
	rootCmd.AddCommand(clusterCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(matchCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the wired services of one invocation
type app struct {
	cfg   *config.Config
	log   *logger.Logger
	store *store.Store
	svc   api.Services
}

func (a *app) Close() {
	a.store.Close()
	a.log.Sync()
}

func setup() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	log, err := logger.New(cfg.Log.Mode, logger.Options{Redact: cfg.Log.Redact, HashSalt: cfg.Log.HashSalt})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	var (
		clusterOpts []cluster.Option
		profileOpts = []profile.Option{profile.WithLanguage(cfg.Profile.Language)}
		sessionOpts []session.Option
		embedder    matcher.Embedder
		source      catalog.PageSource
	)

	if cfg.Generation.Enabled {
		gen, err := generator.New(cfg.Generation)
		if err != nil {
			log.Warn("text generation disabled", "reason", err)
		} else {
			clusterOpts = append(clusterOpts, cluster.WithGenerator(gen))
			profileOpts = append(profileOpts, profile.WithGenerator(gen))
		}
	}

	if emb, err := embedding.New(cfg.Embedding); err != nil {
		log.Debug("embedding service unavailable", "reason", err)
	} else {
		embedder = emb
		sessionOpts = append(sessionOpts, session.WithEmbedder(emb))
	}

	if cfg.Catalog.PageURL != "" {
		src, err := fetcher.New(cfg.Catalog)
		if err != nil {
			st.Close()
			return nil, err
		}
		source = src
	}

	engine := cluster.NewEngine(log, clusterOpts...)
	return &app{
		cfg:   cfg,
		log:   log,
		store: st,
		svc: api.Services{
			Sessions: session.NewService(st, engine, log, sessionOpts...),
			Profiles: profile.NewService(st, log, profileOpts...),
			Catalog:  catalog.NewBuilder(st, source, log),
			Matcher:  matcher.NewEngine(embedder, log, matcher.WithBatchSize(cfg.Embedding.BatchSize)),
			ClusterDefaults: cluster.Options{
				Mode:                cluster.Mode(cfg.Clustering.Mode),
				SimilarityThreshold: cfg.Clustering.SimilarityThreshold,
				MinClusterSize:      cfg.Clustering.MinClusterSize,
				MaxClusters:         cfg.Clustering.MaxClusters,
				StableMinSize:       cfg.Clustering.StableMinSize,
			},
			MatchDefaults: matcher.Options{
				TopK:            cfg.Matching.TopK,
				AcceptThreshold: cfg.Matching.AcceptThreshold,
				CatalogKey:      matcher.DefaultCatalogKey,
			},
			Log: log,
		},
	}, nil
}

// run wires the app and hands it to fn
func run(fn func(ctx context.Context, a *app) error) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func cardAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [text]",
		Short: "Add an activity card to the session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				card, err := a.svc.Sessions.Ingest(ctx, sessionID, map[string]any{"text": strings.Join(args, " ")})
				if err != nil {
					return err
				}
				fmt.Printf("Added card: %s\n", shortID(card.ID))
				return nil
			})
		},
	}
}

func cardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the session's cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				cards, err := a.svc.Sessions.Cards(ctx, sessionID)
				if err != nil {
					return err
				}
				if len(cards) == 0 {
					fmt.Println("No cards yet. Use 'cpsynth card add' to create one.")
					return nil
				}
				for _, c := range cards {
					group := c.GroupID
					if group == "" {
						group = "-"
					}
					fmt.Printf("%s  %-4s %s\n", shortID(c.ID), group, truncate(c.RawText, 60))
				}
				return nil
			})
		},
	}
}

func clusterCmd() *cobra.Command {
	var (
		mode      string
		threshold float64
		minSize   int
		apply     bool
		units     bool
	)

	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Group the session's cards into clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				opts := a.svc.ClusterDefaults
				if mode != "" {
					opts.Mode = cluster.Mode(mode)
				}
				if cmd.Flags().Changed("threshold") {
					opts.SimilarityThreshold = threshold
				}
				if minSize > 0 {
					opts.MinClusterSize = minSize
				}

				res, err := a.svc.Sessions.RunClustering(ctx, sessionID, opts)
				if err != nil {
					return err
				}
				for _, c := range res.Clusters {
					fmt.Printf("%s  %s (%d cards, %s)\n", c.ClusterID, c.SuggestedTitle, len(c.MemberIDs), c.Strength)
				}
				if len(res.Unassigned) > 0 {
					fmt.Printf("Unassigned: %d cards\n", len(res.Unassigned))
				}

				if apply {
					applied, err := a.svc.Sessions.ApplyClusters(ctx, sessionID)
					if err != nil {
						return err
					}
					fmt.Printf("Tagged %d cards, skipped %d\n", applied.Tagged, len(applied.Skipped))
				}
				if units {
					cards, err := a.svc.Sessions.Cards(ctx, sessionID)
					if err != nil {
						return err
					}
					return printJSON(session.UnitsFromClusters(res, cards))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "lexical or vector")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "similarity threshold")
	cmd.Flags().IntVar(&minSize, "min-size", 0, "minimum cluster size")
	cmd.Flags().BoolVar(&apply, "apply", false, "tag cards with their cluster")
	cmd.Flags().BoolVar(&units, "units", false, "print the clusters as competency units")
	return cmd
}

func draftCmd() *cobra.Command {
	var (
		file     string
		language string
		enrich   bool
	)

	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Generate and save draft documents from competency units",
		Long:  "Reads a JSON competency unit (or array of them) from --file, or drafts every unit of a fresh clustering run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				var cus []domain.CompetencyUnit
				if file != "" {
					loaded, err := readUnits(file)
					if err != nil {
						return err
					}
					cus = loaded
				} else {
					res, err := a.svc.Sessions.RunClustering(ctx, sessionID, a.svc.ClusterDefaults)
					if err != nil {
						return err
					}
					cards, err := a.svc.Sessions.Cards(ctx, sessionID)
					if err != nil {
						return err
					}
					cus = session.UnitsFromClusters(res, cards)
				}
				if len(cus) == 0 {
					fmt.Println("Nothing to draft.")
					return nil
				}

				for _, cu := range cus {
					doc, err := a.svc.Profiles.GenerateDraft(ctx, sessionID, cu, profile.DraftOptions{Language: language, Enrich: enrich})
					if err != nil {
						return err
					}
					saved, err := a.svc.Profiles.SaveWorking(ctx, doc)
					if err != nil {
						return err
					}
					fmt.Printf("%s  v%d  %s  (%d errors)\n", saved.CUCode, saved.Version, truncate(saved.CUTitle, 50),
						saved.Validation.ErrorCount())
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with competency units")
	cmd.Flags().StringVar(&language, "language", "", "document language (en or id)")
	cmd.Flags().BoolVar(&enrich, "enrich", false, "ask the generation service for work steps")
	return cmd
}

func showCmd() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "show [cu-code]",
		Short: "Print a document version as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				doc, err := a.svc.Profiles.GetVersion(ctx, sessionID, args[0], version)
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}

	cmd.Flags().IntVarP(&version, "version", "v", profile.Latest, "version number (default latest)")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [cu-code]",
		Short: "List the versions of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				versions, err := a.svc.Profiles.History(ctx, sessionID, args[0])
				if err != nil {
					return err
				}
				for _, v := range versions {
					fmt.Printf("v%-3d %-6s %s\n", v.Version, v.Status, v.Audit.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [cu-code]",
		Short: "Validate the latest version of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				doc, err := a.svc.Profiles.GetVersion(ctx, sessionID, args[0], profile.Latest)
				if err != nil {
					return err
				}
				res := validator.Validate(doc)
				if res.Passed {
					fmt.Println("Passed.")
				}
				printIssues(res.Issues)
				return nil
			})
		},
	}
}

func lockCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "lock [cu-code]",
		Short: "Lock the latest version if it validates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				doc, err := a.svc.Profiles.Lock(ctx, sessionID, args[0], actor)
				if err != nil {
					if derr, ok := domain.AsError(err); ok && len(derr.Issues) > 0 {
						printIssues(derr.Issues)
					}
					return err
				}
				fmt.Printf("Locked %s as v%d\n", doc.CUCode, doc.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "who locks the document")
	return cmd
}

func unlockCmd() *cobra.Command {
	var (
		actor string
		role  string
	)

	cmd := &cobra.Command{
		Use:   "unlock [cu-code]",
		Short: "Reopen a locked document as a new draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				caller := profile.Actor{ID: actor, Privileged: strings.EqualFold(role, api.PrivilegedRole)}
				doc, err := a.svc.Profiles.Unlock(ctx, sessionID, args[0], caller)
				if err != nil {
					return err
				}
				fmt.Printf("Unlocked %s as draft v%d\n", doc.CUCode, doc.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "who unlocks the document")
	cmd.Flags().StringVar(&role, "role", "", "caller role (admin may unlock)")
	return cmd
}

func catalogBuildCmd() *cobra.Command {
	var (
		from  int
		to    int
		force bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Fetch catalog pages and append new reference units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				res, err := a.svc.Catalog.BuildIncrement(ctx, catalog.PageRange{From: from, To: to, Force: force})
				if err != nil {
					return err
				}
				fmt.Printf("Added %d, skipped %d, last page %d, total %d\n", res.Added, res.Skipped, res.LastPage, res.TotalCount)
				for _, f := range res.FailedPages {
					fmt.Printf("  page %d failed: %s\n", f.Page, f.Error)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&from, "from", 1, "first page")
	cmd.Flags().IntVar(&to, "to", 1, "last page")
	cmd.Flags().BoolVar(&force, "force", false, "refetch pages already covered")
	return cmd
}

func catalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reference units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				recs, err := a.svc.Catalog.Records(ctx)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("Catalog is empty. Use 'cpsynth catalog build' to fetch it.")
					return nil
				}
				for _, r := range recs {
					fmt.Printf("%-16s %s\n", r.CUCode, truncate(r.CUTitle, 60))
				}
				return nil
			})
		},
	}
}

func matchCmd() *cobra.Command {
	var (
		file      string
		topK      int
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "match [title]",
		Short: "Match competency units against the reference catalog",
		Long:  "Matches the units in --file, or a single unit built from the title argument.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				var cus []domain.CompetencyUnit
				switch {
				case file != "":
					loaded, err := readUnits(file)
					if err != nil {
						return err
					}
					cus = loaded
				case len(args) > 0:
					cus = []domain.CompetencyUnit{{CUCode: "CU-01", CUTitle: strings.Join(args, " ")}}
				default:
					return fmt.Errorf("give a title or --file")
				}

				opts := a.svc.MatchDefaults
				if topK > 0 {
					opts.TopK = topK
				}
				if threshold > 0 {
					opts.AcceptThreshold = threshold
				}
				recs, err := a.svc.Catalog.Records(ctx)
				if err != nil {
					return err
				}
				results, err := a.svc.Matcher.Match(ctx, cus, recs, opts)
				if err != nil {
					return err
				}
				for _, r := range results {
					fmt.Printf("%s  %s  %s %.3f\n", r.InputCU.CUCode, r.Decision, r.Confidence, r.BestScore)
					for _, c := range r.Candidates {
						fmt.Printf("    %-16s %.3f  %s\n", c.CUCode, c.Score, truncate(c.CUTitle, 50))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with competency units")
	cmd.Flags().IntVarP(&topK, "top", "k", 0, "candidates per unit")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "accept threshold")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			server := api.New(a.svc, addr)
			return server.Run()
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "server address")
	return cmd
}

// readUnits accepts a single unit or an array of them
func readUnits(path string) ([]domain.CompetencyUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read units: %w", err)
	}
	var many []domain.CompetencyUnit
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one domain.CompetencyUnit
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse units: %w", err)
	}
	return []domain.CompetencyUnit{one}, nil
}

func printIssues(issues []domain.Issue) {
	for _, is := range issues {
		fmt.Printf("  %-7s %-24s %-10s %s\n", is.Level, is.Code, is.Path, is.Message)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	// Replace newlines with spaces for display
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
