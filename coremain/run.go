package coremain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"syscall"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/imgcache/mlog"
	"github.com/pmkol/imgcache/pkg/asset"
	"github.com/pmkol/imgcache/pkg/imgcache"
	"github.com/pmkol/imgcache/pkg/safe_close"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use: "imgcache",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the imgcache daemon.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			sc := safe_close.NewSafeClose()
			sc.CloseOnSignal(os.Interrupt, syscall.SIGTERM)
			return StartServer(sf, sc)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	rootCmd.AddCommand(newPreloadCmd(), newConfigCmd())

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage imgcache as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer runs the daemon until sc is closed.
func StartServer(sf *serverFlags, sc *safe_close.SafeClose) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, err := loadFullConfig(sf.c)
	if err != nil {
		return err
	}

	if err := RunImgcache(cfg, sc); err != nil {
		return fmt.Errorf("imgcache exited, %w", err)
	}
	return nil
}

// loadFullConfig loads filePath with its includes and fills defaults.
func loadFullConfig(filePath string) (*Config, error) {
	cfg, fileUsed, err := loadConfig(filePath)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}
	if err := mergeInclude(cfg, 0, []string{fileUsed}); err != nil {
		return nil, fmt.Errorf("failed to load sub config file, %w", err)
	}
	if err := cfg.Init(); err != nil {
		return nil, fmt.Errorf("invalid config, %w", err)
	}
	return cfg, nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// mergeInclude prepends the warm lists of included files. Other
// sections are taken from the including file only.
func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	var included []WarmConfig
	for _, subCfgFile := range cfg.Include {
		subPaths := append(paths, subCfgFile)
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		subCfg, _, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}
		included = append(included, subCfg.Warm...)
	}

	cfg.Warm = append(included, cfg.Warm...)
	return nil
}

func newPreloadCmd() *cobra.Command {
	var (
		configFile string
		priority   string
		urlsFile   string
	)
	c := &cobra.Command{
		Use:   "preload [-c config_file] [-p priority] [-f urls_file] [url...]",
		Short: "Preload urls into the snapshot and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := asset.ParsePriority(priority)
			if err != nil {
				return err
			}
			cfg, err := loadFullConfig(configFile)
			if err != nil {
				return err
			}

			keys := make([]asset.Key, 0, len(args))
			for _, u := range args {
				keys = append(keys, asset.URLKey(u))
			}
			if len(urlsFile) > 0 {
				fileKeys, err := readWarmFile(urlsFile)
				if err != nil {
					return err
				}
				keys = append(keys, fileKeys...)
			}

			m, err := NewImgcache(cfg, nil)
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := m.svc.ScheduleKeys(context.Background(), keys, p, imgcache.ScheduleOpts{})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&configFile, "config", "c", "", "config file")
	c.Flags().StringVarP(&priority, "priority", "p", "normal", "low, normal or high")
	c.Flags().StringVarP(&urlsFile, "file", "f", "", "file with one url per line")
	return c
}

func newConfigCmd() *cobra.Command {
	var configFile string
	c := &cobra.Command{
		Use:   "config [-c config_file]",
		Short: "Print the effective config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFullConfig(configFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&configFile, "config", "c", "", "config file")
	return c
}
