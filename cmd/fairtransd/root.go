package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cnclabs/fairkg/internal/config"
)

// cfgFile is the path to the configuration file.
var cfgFile string

// v holds defaults, config file, FAIRKG_* env vars and bound flags.
var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "fairtransd",
	Short: "Adversarially debiased TransD embeddings for user-movie graphs",
	Long: `fairtransd trains TransD embeddings on a MovieLens rating graph while
attribute discriminators try to recover gender, occupation and age from the
user embeddings. The scorer is penalised for their success, optionally
through learned filters, and a fresh discriminator can be retrained on the
frozen result to audit what still leaks.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	defaults := viper.New()
	config.SetDefaults(defaults)

	fs := rootCmd.PersistentFlags()
	fs.StringVarP(&cfgFile, "config", "c", "", "config file (default ./fairkg.yaml)")

	fs.String("ratings_file", defaults.GetString("ratings_file"), "MovieLens ratings.dat")
	fs.String("users_file", defaults.GetString("users_file"), "MovieLens users.dat")
	fs.String("triples_file", defaults.GetString("triples_file"), "plain \"user relation movie\" triples, used instead of MovieLens when set")
	fs.Float64("test_ratio", defaults.GetFloat64("test_ratio"), "share of facts held out for testing")
	fs.Int64("seed", defaults.GetInt64("seed"), "random seed")

	fs.Int("embed_dim", defaults.GetInt("embed_dim"), "embedding dimension")
	fs.Int("p_norm", defaults.GetInt("p_norm"), "energy norm: 1 or 2")
	fs.Bool("freeze_scorer", defaults.GetBool("freeze_scorer"), "never update the scorer")

	fs.Float64("margin", defaults.GetFloat64("margin"), "margin of the ranking loss")
	fs.Float64("gamma", defaults.GetFloat64("gamma"), "weight of the fairness penalty")
	fs.Int("batch_size", defaults.GetInt("batch_size"), "positive triplets per batch")
	fs.Int("num_epochs", defaults.GetInt("num_epochs"), "training epochs")
	fs.Float64("lr", defaults.GetFloat64("lr"), "learning rate")
	fs.String("optimizer", defaults.GetString("optimizer"), "scorer optimizer: SGD, nesterov<m>, adam, adam_hyp2, adam_hyp3, adam_sparse[_hyp2|_hyp3]")
	fs.String("disc_optimizer", defaults.GetString("disc_optimizer"), "discriminator and filter optimizer")
	fs.String("decay_lr", defaults.GetString("decay_lr"), "lr schedule: ms1|ms2|ms3, step_exp_<g>, halving_step<n>, ReduceLROnPlateau")

	fs.Bool("use_cross_entropy", defaults.GetBool("use_cross_entropy"), "cross entropy discriminator objective")
	fs.Bool("sample_mask", defaults.GetBool("sample_mask"), "draw a random subset of discriminators per batch")
	fs.Bool("filter_false_negs", defaults.GetBool("filter_false_negs"), "drop corrupted triplets that are known facts from the loss")
	fs.Bool("use_gender_attr", defaults.GetBool("use_gender_attr"), "gender discriminator")
	fs.Bool("use_occ_attr", defaults.GetBool("use_occ_attr"), "occupation discriminator")
	fs.Bool("use_age_attr", defaults.GetBool("use_age_attr"), "age discriminator")
	fs.Bool("use_random_attr", defaults.GetBool("use_random_attr"), "random control discriminator")
	fs.Bool("use_attr", defaults.GetBool("use_attr"), "gender, occupation and age discriminators")
	fs.Bool("use_filters", defaults.GetBool("use_filters"), "learn attribute filters")
	fs.Bool("use_trained_filters", defaults.GetBool("use_trained_filters"), "retrain through the trained filters")

	fs.String("retrain_attribute", defaults.GetString("retrain_attribute"), "attribute to audit after training: gender, occupation, age, random")
	fs.Int("retrain_epochs", defaults.GetInt("retrain_epochs"), "epochs of discriminator retraining")

	fs.Int("valid_freq", defaults.GetInt("valid_freq"), "evaluate every n epochs")
	fs.Int("save_freq", defaults.GetInt("save_freq"), "checkpoint every n epochs (0 = only at the end)")
	fs.Int("subsample", defaults.GetInt("subsample"), "rank every n-th test triplet")
	fs.String("device", defaults.GetString("device"), "compute device (cpu)")
	fs.Bool("do_log", defaults.GetBool("do_log"), "record metrics and checkpoints in the run store")
	fs.String("db_path", defaults.GetString("db_path"), "SQLite run store")
	fs.String("run_name", defaults.GetString("run_name"), "label of the run")
	fs.String("out_dir", defaults.GetString("out_dir"), "directory for embedding files")
	fs.String("log_level", defaults.GetString("log_level"), "debug, info, warn or error")

	_ = v.BindPFlags(fs)
}

// loadConfig resolves the configuration and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func banner(title string) {
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("  " + title)
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println()
}
