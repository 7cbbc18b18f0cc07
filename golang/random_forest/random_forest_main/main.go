package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var RootCmd = &cobra.Command{
	Use:   "random_forest",
	Short: "bagged regression forest",
	Long:  "trains a bootstrap ensemble of regression trees on npy data sets",

	SilenceUsage: true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("debug") {
			log.SetLevel(log.DebugLevel)
		}
	},

	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return writeMemProfile(viper.GetString("memprofile"))
	},
}

func init() {
	RootCmd.PersistentFlags().Bool("debug", false, "debug flag")
	RootCmd.PersistentFlags().String("config", "forest_config.json", "a config file for the run of the program")
	RootCmd.PersistentFlags().String("memprofile", "", "write memory profile to `file`")

	RootCmd.AddCommand(trainCmd)

	if err := viper.BindPFlags(RootCmd.PersistentFlags()); err != nil {
		log.WithError(err).Errorf("failed to bind persistent flags. please check the flag settings.")
	}
}

func writeMemProfile(fileName string) (err error) {
	if fileName == "" {
		return nil
	}
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrap(err, "could not create memory profile")
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	runtime.GC()
	return errors.Wrap(pprof.WriteHeapProfile(f), "could not write memory profile")
}

func main() {
	log.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := RootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Fatalf("cannot execute command")
	}
}
