package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/offerpipe/offerpipe/agent"
	"github.com/offerpipe/offerpipe/config"
	"github.com/offerpipe/offerpipe/logger"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "offerpipe", "namespace used in storage")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage")
	cmd.Flags().Int("executor-capacity", 512, "event dispatcher capacity")
	cmd.Flags().Bool("debug", false, "enable debug logging")
	cmd.Flags().String("ai-extractor-url", "", "url of the offer extraction service")
	cmd.Flags().String("ai-scorer-url", "", "url of the relevance scoring service")
	cmd.Flags().String("ai-judge-url", "", "url of the judge service")
	cmd.Flags().String("ai-imagegen-url", "", "url of the image generation service")
	cmd.Flags().String("ai-optimizer-url", "", "url of the image optimization service")
	cmd.Flags().Duration("ai-timeout", 60*time.Second, "per request timeout for ai calls")
	cmd.Flags().String("catalog-url", "", "url of the product catalog search api")
	cmd.Flags().String("objectstore-url", "", "url of the image object store")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg = config.Default()
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.ExecutorCapacity = viper.GetInt("executor-capacity")
	c.cfg.Debug = viper.GetBool("debug")
	c.cfg.AI.ExtractorURL = viper.GetString("ai-extractor-url")
	c.cfg.AI.ScorerURL = viper.GetString("ai-scorer-url")
	c.cfg.AI.JudgeURL = viper.GetString("ai-judge-url")
	c.cfg.AI.ImageGenURL = viper.GetString("ai-imagegen-url")
	c.cfg.AI.OptimizerURL = viper.GetString("ai-optimizer-url")
	c.cfg.AI.RequestTimeout = viper.GetDuration("ai-timeout")
	c.cfg.Catalog.URL = viper.GetString("catalog-url")
	c.cfg.ObjectStore.URL = viper.GetString("objectstore-url")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	if err := logger.Init(c.cfg.Debug); err != nil {
		return err
	}
	defer logger.Sync()

	a, err := agent.New(c.cfg)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return a.Shutdown()
}

func main() {
	cli := &cli{}
	cmd := &cobra.Command{
		Use:     "offerpipe",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}
	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
