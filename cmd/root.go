package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/abcdlsj/dockgen/internal/launcher"
	"github.com/abcdlsj/dockgen/pkg/config"
	"github.com/abcdlsj/dockgen/pkg/docker"
	"github.com/abcdlsj/dockgen/pkg/fswatch"
	"github.com/abcdlsj/dockgen/pkg/proxy"
	"github.com/abcdlsj/dockgen/pkg/template"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "dockgen [flags] [command [args...]]",
		Short: "Generate configuration from Docker containers and run a command",
		Long: `Dockgen collects the containers running on one or more Docker hosts, renders
templates and an nginx reverse proxy configuration from them, then launches
the given command. With --monitor it keeps the files up to date as containers
come and go and runs --notify after each refresh.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	log.SetReportTimestamp(true)
	log.SetTimeFormat("2006-01-02 15:04:05")

	addFlags(rootCmd.Flags())
}

func addFlags(flags *pflag.FlagSet) {
	// Everything after the first positional argument belongs to the command.
	flags.SetInterspersed(false)

	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")
	flags.StringArrayP("template", "t", nil, "template to render, as source;destination (repeatable)")
	flags.StringSlice("docker", nil, "docker host as hostname[:port] (repeatable, comma-separated)")
	flags.Bool("monitor", false, "keep watching containers and regenerate on change")
	flags.String("proxy-file", "", "write an nginx reverse proxy configuration to this path")
	flags.String("proxy-certs", "", "directory holding <name>.crt and <name>.key pairs")
	flags.String("proxy-confs", "", "directory holding <hostname>.conf files to include")
	flags.String("docker-certs", "", "directory holding ca.pem, cert.pem and key.pem for the docker hosts")
	flags.StringP("notify", "n", "", "shell command to run after each refresh")
	flags.Bool("strict-hosts", false, "abort a refresh when any docker host is unreachable")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("DOCKGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: error reading config file: %v", config.ErrConfiguration, err)
		}
		log.Info("Using config file", "path", v.ConfigFileUsed())
	}

	return v, nil
}

func run(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(v, args)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	log.SetLevel(level)

	m, cleanup, err := newManager(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	code, err := m.Run(context.Background())
	if err != nil {
		return err
	}
	if code != 0 {
		return &launcher.ExitError{Code: code}
	}
	return nil
}

func newManager(cfg *config.Config) (*launcher.Manager, func(), error) {
	m := launcher.New(launcher.Config{
		Command:     cfg.Command,
		Notify:      cfg.Notify,
		Monitor:     cfg.Monitor,
		StrictHosts: cfg.StrictHosts,
	})

	var hosts []*docker.Host
	cleanup := func() {
		for _, h := range hosts {
			h.Close()
		}
	}

	addrs, err := cfg.Hosts()
	if err != nil {
		return nil, nil, err
	}
	for _, addr := range addrs {
		h, err := docker.NewHost(addr.Name, addr.Port, cfg.DockerCerts)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
		}
		hosts = append(hosts, h)
		m.AddSource(h)
	}

	pairs, err := cfg.TemplatePairs()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	watched := []string{cfg.ProxyCerts, cfg.ProxyConfs}
	for _, p := range pairs {
		g := template.New(p.Source, p.Destination)
		m.AddGenerator(g)
		watched = append(watched, g.Source())
	}

	if cfg.ProxyFile != "" {
		m.AddGenerator(proxy.New(cfg.ProxyFile,
			proxy.WithCertDir(cfg.ProxyCerts),
			proxy.WithConfDir(cfg.ProxyConfs),
		))
	}

	if cfg.Monitor {
		w, err := fswatch.New(watched...)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if w.Watched() > 0 {
			m.AddWatcher(w)
		} else {
			w.Close()
		}
	}

	return m, cleanup, nil
}
