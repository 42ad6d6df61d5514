// Command train fits the customer-category classifier from a labelled CSV and
// writes the artifact the API serves.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"

	"custcat-prediction-api/classifier"
	"custcat-prediction-api/config"
	"custcat-prediction-api/forms"
	"custcat-prediction-api/logger"
	"custcat-prediction-api/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultLabel = "custcat"

type trainFlags struct {
	data    string
	label   string
	out     string
	version string
	epochs  int
	lr      float64
	l2      float64
	holdout float64
	seed    uint64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var level string
	root := &cobra.Command{
		Use:          "train",
		Short:        "Train and evaluate the customer category model",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			zlog, err := logger.New(config.LogConfig{Level: level, Format: "console"})
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(zlog)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "warn", "log level")
	root.AddCommand(newFitCmd(), newEvalCmd())
	return root
}

func newFitCmd() *cobra.Command {
	f := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a logistic regression and write the artifact",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.out == "" {
				f.out = config.ModelConfig{Root: envOr("APP_ROOT", ".")}.ArtifactPath()
			}
			acc, err := fit(cmd.Context(), *f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (holdout accuracy %.3f)\n", f.out, acc)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.data, "data", "", "labelled CSV file")
	cmd.Flags().StringVar(&f.label, "label", defaultLabel, "label column name")
	cmd.Flags().StringVar(&f.out, "out", "", "artifact path (default $APP_ROOT/"+config.ArtifactRelPath+")")
	cmd.Flags().StringVar(&f.version, "version", "", "version string recorded in the artifact")
	cmd.Flags().IntVar(&f.epochs, "epochs", 500, "gradient descent epochs")
	cmd.Flags().Float64Var(&f.lr, "lr", 0.1, "learning rate")
	cmd.Flags().Float64Var(&f.l2, "l2", 0, "L2 penalty")
	cmd.Flags().Float64Var(&f.holdout, "holdout", 0.2, "fraction of rows held out for evaluation")
	cmd.Flags().Uint64Var(&f.seed, "seed", 1, "shuffle seed")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newEvalCmd() *cobra.Command {
	var data, model, label string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Report accuracy of an artifact on a labelled CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			X, y, err := readLabelled(data, label)
			if err != nil {
				return err
			}
			m, err := classifier.Load(model, models.FeatureNames())
			if err != nil {
				return err
			}
			acc, err := classifier.Evaluate(cmd.Context(), m, X, y)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rows, accuracy %.3f\n", len(y), acc)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "labelled CSV file")
	cmd.Flags().StringVar(&model, "model", config.ModelConfig{Root: "."}.ArtifactPath(), "artifact path")
	cmd.Flags().StringVar(&label, "label", defaultLabel, "label column name")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

// fit trains on the non-holdout rows, saves the artifact and returns holdout
// accuracy (training accuracy when holdout is zero).
func fit(ctx context.Context, f trainFlags) (float64, error) {
	X, y, err := readLabelled(f.data, f.label)
	if err != nil {
		return 0, err
	}
	trainX, trainY, testX, testY := split(X, y, f.holdout, f.seed)
	zap.L().Info("training",
		zap.String("data", f.data),
		zap.Int("train_rows", len(trainY)),
		zap.Int("holdout_rows", len(testY)),
		zap.Int("epochs", f.epochs),
	)

	art, err := classifier.TrainLogistic(trainX, trainY, classifier.TrainOptions{
		Epochs:       f.epochs,
		LearningRate: f.lr,
		L2:           f.l2,
		Version:      f.version,
		FeatureNames: models.FeatureNames(),
	})
	if err != nil {
		return 0, err
	}
	if err := classifier.SaveArtifact(f.out, art); err != nil {
		return 0, err
	}
	zap.L().Info("artifact written", zap.String("path", f.out), zap.Ints("classes", art.Classes))

	m, err := classifier.Load(f.out, models.FeatureNames())
	if err != nil {
		return 0, err
	}
	if len(testY) == 0 {
		zap.L().Warn("no holdout rows; reporting training accuracy")
		testX, testY = trainX, trainY
	}
	return classifier.Evaluate(ctx, m, testX, testY)
}

func readLabelled(path, label string) ([][]float64, []int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	specs := append(forms.FeatureColumns(), forms.ColumnSpec{Name: label, Kind: models.IntFeature})
	rows, err := forms.ReadColumns(file, specs)
	if err != nil {
		return nil, nil, err
	}
	X := make([][]float64, len(rows))
	y := make([]int, len(rows))
	for i, row := range rows {
		X[i] = row[:models.FeatureCount]
		y[i] = int(row[models.FeatureCount])
	}
	return X, y, nil
}

// split shuffles deterministically and holds out the trailing fraction.
func split(X [][]float64, y []int, holdout float64, seed uint64) ([][]float64, []int, [][]float64, []int) {
	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}
	r := rand.New(rand.NewPCG(seed, seed))
	r.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	nTest := int(float64(len(X)) * holdout)
	if holdout <= 0 || nTest >= len(X) {
		nTest = 0
	}
	var trainX, testX [][]float64
	var trainY, testY []int
	for n, i := range idx {
		if n < len(idx)-nTest {
			trainX, trainY = append(trainX, X[i]), append(trainY, y[i])
		} else {
			testX, testY = append(testX, X[i]), append(testY, y[i])
		}
	}
	return trainX, trainY, testX, testY
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
