// Package config loads the run configuration from defaults, a YAML file,
// FAIRKG_* environment variables (including a .env file) and bound flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cnclabs/fairkg/internal/fairness"
	"github.com/cnclabs/fairkg/internal/mlp"
	"github.com/cnclabs/fairkg/internal/nn"
	"github.com/cnclabs/fairkg/internal/trainer"
)

const (
	configName = "fairkg"
	envPrefix  = "FAIRKG"
)

// ErrUnsupportedConfiguration is returned for optimizer, schedule or device
// names that are not implemented.
var ErrUnsupportedConfiguration = nn.ErrUnsupportedConfiguration

var validate = validator.New()

// Config is every option of a training, retraining or evaluation run.
type Config struct {
	// data
	RatingsFile string  `mapstructure:"ratings_file" yaml:"ratings_file" validate:"required_without=TriplesFile"`
	UsersFile   string  `mapstructure:"users_file" yaml:"users_file"`
	TriplesFile string  `mapstructure:"triples_file" yaml:"triples_file"`
	TestRatio   float64 `mapstructure:"test_ratio" yaml:"test_ratio" validate:"gt=0,lt=1"`
	Seed        int64   `mapstructure:"seed" yaml:"seed"`

	// scorer
	EmbedDim     int  `mapstructure:"embed_dim" yaml:"embed_dim" validate:"min=1"`
	PNorm        int  `mapstructure:"p_norm" yaml:"p_norm" validate:"oneof=1 2"`
	FreezeScorer bool `mapstructure:"freeze_scorer" yaml:"freeze_scorer"`

	// optimisation
	Margin        float64 `mapstructure:"margin" yaml:"margin" validate:"gte=0"`
	Gamma         float64 `mapstructure:"gamma" yaml:"gamma" validate:"gte=0"`
	BatchSize     int     `mapstructure:"batch_size" yaml:"batch_size" validate:"min=1"`
	NumEpochs     int     `mapstructure:"num_epochs" yaml:"num_epochs" validate:"min=1"`
	LR            float64 `mapstructure:"lr" yaml:"lr" validate:"gt=0"`
	Optimizer     string  `mapstructure:"optimizer" yaml:"optimizer" validate:"required"`
	DiscOptimizer string  `mapstructure:"disc_optimizer" yaml:"disc_optimizer" validate:"required"`
	DecayLR       string  `mapstructure:"decay_lr" yaml:"decay_lr"`

	// fairness
	UseCrossEntropy   bool `mapstructure:"use_cross_entropy" yaml:"use_cross_entropy"`
	SampleMask        bool `mapstructure:"sample_mask" yaml:"sample_mask"`
	FilterFalseNegs   bool `mapstructure:"filter_false_negs" yaml:"filter_false_negs"`
	UseGenderAttr     bool `mapstructure:"use_gender_attr" yaml:"use_gender_attr"`
	UseOccAttr        bool `mapstructure:"use_occ_attr" yaml:"use_occ_attr"`
	UseAgeAttr        bool `mapstructure:"use_age_attr" yaml:"use_age_attr"`
	UseRandomAttr     bool `mapstructure:"use_random_attr" yaml:"use_random_attr"`
	UseAttr           bool `mapstructure:"use_attr" yaml:"use_attr"`
	UseFilters        bool `mapstructure:"use_filters" yaml:"use_filters"`
	UseTrainedFilters bool `mapstructure:"use_trained_filters" yaml:"use_trained_filters"`

	// retraining
	RetrainAttribute string `mapstructure:"retrain_attribute" yaml:"retrain_attribute" validate:"omitempty,oneof=gender occupation age random"`
	RetrainEpochs    int    `mapstructure:"retrain_epochs" yaml:"retrain_epochs" validate:"min=0"`

	// evaluation and bookkeeping
	ValidFreq int    `mapstructure:"valid_freq" yaml:"valid_freq" validate:"min=1"`
	SaveFreq  int    `mapstructure:"save_freq" yaml:"save_freq" validate:"min=0"`
	Subsample int    `mapstructure:"subsample" yaml:"subsample" validate:"min=1"`
	Device    string `mapstructure:"device" yaml:"device" validate:"required"`
	DoLog     bool   `mapstructure:"do_log" yaml:"do_log"`
	DBPath    string `mapstructure:"db_path" yaml:"db_path"`
	RunName   string `mapstructure:"run_name" yaml:"run_name"`
	OutDir    string `mapstructure:"out_dir" yaml:"out_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
}

// SetDefaults registers the default of every option on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("ratings_file", "data/ml-1m/ratings.dat")
	v.SetDefault("users_file", "data/ml-1m/users.dat")
	v.SetDefault("triples_file", "")
	v.SetDefault("test_ratio", 0.1)
	v.SetDefault("seed", 42)

	v.SetDefault("embed_dim", 20)
	v.SetDefault("p_norm", 2)
	v.SetDefault("freeze_scorer", false)

	v.SetDefault("margin", 3.0)
	v.SetDefault("gamma", 10.0)
	v.SetDefault("batch_size", 8192)
	v.SetDefault("num_epochs", 100)
	v.SetDefault("lr", 0.001)
	v.SetDefault("optimizer", "adam")
	v.SetDefault("disc_optimizer", "adam")
	v.SetDefault("decay_lr", "")

	v.SetDefault("use_cross_entropy", true)
	v.SetDefault("sample_mask", false)
	v.SetDefault("filter_false_negs", true)
	v.SetDefault("use_gender_attr", false)
	v.SetDefault("use_occ_attr", false)
	v.SetDefault("use_age_attr", false)
	v.SetDefault("use_random_attr", false)
	v.SetDefault("use_attr", false)
	v.SetDefault("use_filters", false)
	v.SetDefault("use_trained_filters", false)

	v.SetDefault("retrain_attribute", "")
	v.SetDefault("retrain_epochs", 10)

	v.SetDefault("valid_freq", 20)
	v.SetDefault("save_freq", 0)
	v.SetDefault("subsample", 1)
	v.SetDefault("device", "cpu")
	v.SetDefault("do_log", true)
	v.SetDefault("db_path", "fairkg.db")
	v.SetDefault("run_name", "")
	v.SetDefault("out_dir", ".")
	v.SetDefault("log_level", "info")
}

// Load reads the configuration into a Config. cfgFile may be empty, in which
// case ./fairkg.yaml is used when present.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field constraints and that every named optimizer, schedule
// and device is implemented.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := nn.ValidateOptimizerMode(c.Optimizer); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	if err := mlp.ValidateOptimizerMode(c.DiscOptimizer); err != nil {
		return fmt.Errorf("disc_optimizer: %w", err)
	}
	if err := nn.ValidateSchedule(c.DecayLR); err != nil {
		return fmt.Errorf("decay_lr: %w", err)
	}
	if c.Device != "cpu" {
		return fmt.Errorf("%w: device %q", ErrUnsupportedConfiguration, c.Device)
	}
	return nil
}

// Attributes returns the attributes that get a discriminator. UseAttr
// enables gender, occupation and age together.
func (c *Config) Attributes() []fairness.Attribute {
	on := [fairness.NumKinds]bool{
		fairness.Gender:     c.UseGenderAttr || c.UseAttr,
		fairness.Occupation: c.UseOccAttr || c.UseAttr,
		fairness.Age:        c.UseAgeAttr || c.UseAttr,
		fairness.Random:     c.UseRandomAttr,
	}
	var out []fairness.Attribute
	for _, a := range fairness.Attributes() {
		if on[a.Kind] {
			out = append(out, a)
		}
	}
	return out
}

// TrainOptions maps the configuration onto trainer options.
func (c *Config) TrainOptions() trainer.Options {
	return trainer.Options{
		Margin:          c.Margin,
		Gamma:           c.Gamma,
		CrossEntropy:    c.UseCrossEntropy,
		SampleMask:      c.SampleMask,
		FilterFalseNegs: c.FilterFalseNegs,
		UseFilters:      c.UseFilters,
		BatchSize:       c.BatchSize,
		NumEpochs:       c.NumEpochs,
		ValidFreq:       c.ValidFreq,
		SaveFreq:        c.SaveFreq,
		Optimizer:       c.Optimizer,
		FilterOptimizer: c.DiscOptimizer,
		LR:              c.LR,
		DecayLR:         c.DecayLR,
	}
}

// YAML renders the resolved configuration.
func (c *Config) YAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return string(b), nil
}
