package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	storeOverride string
	trialsLimit   int
	historyLimit  int

	rootCmd = &cobra.Command{
		Use:   "cropcast",
		Short: "Crop suitability forecasting backend",
		Long: `cropcast forecasts field conditions from sensor aggregates, scores every
crop profile against the forecast and retrains its model from harvest outcomes.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, scheduled prediction, outcome handling and metrics",
		RunE:  runServe,
	}

	trainCmd = &cobra.Command{
		Use:   "train",
		Short: "Train the forecasting model once from harvested episodes",
		RunE:  runTrain,
	}

	predictCmd = &cobra.Command{
		Use:   "predict",
		Short: "Run one prediction and print the record as JSON",
		RunE:  runPredict,
	}

	trialsCmd = &cobra.Command{
		Use:   "trials",
		Short: "List recent training trials, newest first",
		RunE:  runTrials,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recent prediction records with their outcomes",
		RunE:  runHistory,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&storeOverride, "store", "", "override STORE (clickhouse or memory)")
	trialsCmd.Flags().IntVarP(&trialsLimit, "limit", "n", 10, "number of trials to show, 0 for all")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of predictions to show, 0 for all")

	rootCmd.AddCommand(serveCmd, trainCmd, predictCmd, trialsCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
