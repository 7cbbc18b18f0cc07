package main

import (
	"math"
	"math/rand"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/mat"

	"github.com/tarstars/bagged_regression_forest/golang/random_forest/rfl"
)

type TestConfig struct {
	Description        string `mapstructure:"description"`
	FileNameTestInput  string `mapstructure:"filename_test_features"`
	FileNameTestTarget string `mapstructure:"filename_test_target"`
	FileNamePrediction string `mapstructure:"filename_prediction"`
}

type TrainConfig struct {
	FileNameTrainFeatures  string       `mapstructure:"filename_train_features"`
	FileNameTrainTarget    string       `mapstructure:"filename_train_target"`
	Tests                  []TestConfig `mapstructure:"tests"`
	NEstimators            int          `mapstructure:"n_estimators"`
	MaxDepth               int          `mapstructure:"max_depth"`
	MinSamplesLeaf         int          `mapstructure:"min_samples_leaf"`
	ThreadsNum             int          `mapstructure:"threads_num"`
	Seed                   int64        `mapstructure:"seed"`
	FileNameLearningCurves string       `mapstructure:"filename_learning_curves"`
	PicturesDirectory      string       `mapstructure:"pictures_directory"`
	FigureType             string       `mapstructure:"figure_type"`
	DumpPrefix             string       `mapstructure:"dump_prefix"`
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "train a forest and evaluate it on the configured test sets",
	RunE:  runTrain,
}

//loadTrainConfig reads a JSON or YAML config. Every key can be overridden by an RFOREST_<KEY> variable.
func loadTrainConfig(configFile string) (TrainConfig, error) {
	v := viper.New()
	// AutomaticEnv only overrides keys viper knows about
	for _, key := range []string{
		"filename_train_features", "filename_train_target", "filename_learning_curves", "pictures_directory",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("n_estimators", 10)
	v.SetDefault("max_depth", 10)
	v.SetDefault("min_samples_leaf", -1)
	v.SetDefault("threads_num", 1)
	v.SetDefault("seed", 17)
	v.SetDefault("figure_type", "svg")
	v.SetDefault("dump_prefix", "tree")

	v.SetEnvPrefix("RFOREST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var trainConfig TrainConfig
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return trainConfig, errors.Wrapf(err, "can't read config %s", configFile)
	}
	if err := v.Unmarshal(&trainConfig); err != nil {
		return trainConfig, errors.Wrapf(err, "can't decode config %s", configFile)
	}
	if trainConfig.FileNameTrainFeatures == "" || trainConfig.FileNameTrainTarget == "" {
		return trainConfig, errors.Errorf("%s: filename_train_features and filename_train_target are required", configFile)
	}
	return trainConfig, nil
}

//optionalLimit maps the config convention "negative means no limit" to an optional value.
func optionalLimit(n int) *int {
	if n < 0 {
		return nil
	}
	return rfl.Limit(n)
}

func runTrain(cmd *cobra.Command, args []string) error {
	trainConfig, err := loadTrainConfig(viper.GetString("config"))
	if err != nil {
		return err
	}

	log.Info("load train")
	rmatrixTrain, err := rfl.ReadRMatrix(trainConfig.FileNameTrainFeatures, trainConfig.FileNameTrainTarget)
	if err != nil {
		return err
	}
	rmatrixTrain.SetDescription("train")

	log.Info("load tests")
	var rmatrixTests []rfl.RMatrix
	for _, testConfig := range trainConfig.Tests {
		rmatrix, err := rfl.ReadRMatrix(testConfig.FileNameTestInput, testConfig.FileNameTestTarget)
		if err != nil {
			return errors.Wrapf(err, "test %q", testConfig.Description)
		}
		rmatrix.SetDescription(testConfig.Description)
		rmatrixTests = append(rmatrixTests, rmatrix)
	}

	forest, err := rfl.NewForest(cmd.Context(), rfl.ForestParams{
		Matrix:         rmatrixTrain,
		NEstimators:    trainConfig.NEstimators,
		MaxDepth:       optionalLimit(trainConfig.MaxDepth),
		MinSamplesLeaf: optionalLimit(trainConfig.MinSamplesLeaf),
		ThreadsNum:     trainConfig.ThreadsNum,
		Rand:           rand.New(rand.NewSource(trainConfig.Seed)),
		PrintMessages:  rmatrixTests,
	})
	if err != nil {
		return err
	}

	for ind, testConfig := range trainConfig.Tests {
		mse, err := forest.EvaluateMse(rmatrixTests[ind])
		if err != nil {
			return err
		}
		log.WithField("test", testConfig.Description).Infof("RMSE = %g", math.Sqrt(mse))

		if testConfig.FileNamePrediction == "" {
			continue
		}
		prediction, err := forest.Predict(rmatrixTests[ind].Features)
		if err != nil {
			return err
		}
		if err := rfl.WriteNpy(testConfig.FileNamePrediction, prediction); err != nil {
			return err
		}
	}

	if trainConfig.FileNameLearningCurves != "" {
		if err := dumpLearningCurves(forest, trainConfig.FileNameLearningCurves); err != nil {
			return err
		}
	}

	if trainConfig.PicturesDirectory != "" {
		return forest.RenderTrees(trainConfig.DumpPrefix, trainConfig.FigureType, trainConfig.PicturesDirectory)
	}
	return nil
}

//dumpLearningCurves stores the learning curves as a (test sets x trees) npy matrix.
func dumpLearningCurves(forest *rfl.Forest, fileName string) (err error) {
	if len(forest.LearningCurves) == 0 {
		log.Warn("no test sets: learning curves are not written")
		return nil
	}
	curves := mat.NewDense(len(forest.LearningCurves), len(forest.Trees), nil)
	for ind, learningCurve := range forest.LearningCurves {
		curves.SetRow(ind, learningCurve)
	}

	dst, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "can't open file %s to write", fileName)
	}
	defer func() {
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
	}()
	return errors.Wrapf(npyio.Write(dst, curves), "can't write %s", fileName)
}
