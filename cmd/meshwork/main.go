// Meshwork CLI — инструмент командной строки для отправки задач в mesh
// и наблюдения за ними через HTTP API узла.
//
// Использование:
//
//	meshwork [--api-url URL] [--json] <command> [flags]
//
// Команды:
//
//	submit   Отправка задачи (--wait — ждать результата)
//	status   Статус задачи
//	results  Результат задачи (--chain — все шаги цепочки)
//	cancel   Отмена задачи
//	streams  Активные stream-задачи
//	workers  Живые воркеры и их возможности
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Meshwork/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "meshwork",
		Short:         "Meshwork CLI — submit and observe tasks on the mesh",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("MESHWORK_API_URL"); v != "" {
		defaultURL = v
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewSubmitCmd(clientFn, outputFn),
		cli.NewStatusCmd(clientFn, outputFn),
		cli.NewResultsCmd(clientFn, outputFn),
		cli.NewCancelCmd(clientFn, outputFn),
		cli.NewStreamsCmd(clientFn, outputFn),
		cli.NewWorkersCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
