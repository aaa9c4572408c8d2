package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewSubmitCmd создаёт команду submit.
func NewSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var inputs []string
	var inputsJSON string
	var wait bool
	var waitTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a task definition (JSON or YAML, - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			doc, err := readDefinition(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			req := SubmitRequest{Definition: string(doc)}
			if req.Inputs, err = parseInputs(inputs, inputsJSON); err != nil {
				return err
			}

			if wait {
				res, err := client.SubmitAndWait(req, waitTimeout)
				if err != nil {
					return err
				}
				printResult(out, res)
				return nil
			}

			resp, err := client.Submit(req)
			if err != nil {
				return err
			}
			if resp.Warning != "" {
				out.Notice(resp.Warning)
			}
			out.Notice(fmt.Sprintf("Task submitted: %s", resp.TaskID))
			out.Print(
				[]string{"TASK_ID", "STATE"},
				[][]string{{resp.TaskID, resp.State}},
				resp,
			)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE, VALUE parsed as JSON when possible (repeatable)")
	cmd.Flags().StringVar(&inputsJSON, "inputs-json", "", "Inputs as a JSON object")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the final result")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 5*time.Minute, "Maximum time to wait with --wait")

	return cmd
}

// NewStatusCmd создаёт команду status.
func NewStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			st, err := client.Status(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"TASK_ID", "MODE", "STATE", "EPOCH", "WORKER", "RETRIES", "ERROR"},
				[][]string{{
					st.TaskID, st.Mode, st.State,
					strconv.FormatUint(st.Epoch, 10), st.WorkerID,
					strconv.Itoa(st.Retries), st.Error,
				}},
				st,
			)
			return nil
		},
	}
}

// NewResultsCmd создаёт команду results.
func NewResultsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var chain bool

	cmd := &cobra.Command{
		Use:   "results ID",
		Short: "Show the result of a finished task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if chain {
				view, err := client.Chain(args[0])
				if err != nil {
					return err
				}

				rows := make([][]string, len(view.Steps))
				for i, s := range view.Steps {
					rows[i] = []string{strconv.Itoa(s.Index), s.TaskID, s.Name, s.State, formatOutputs(s.Outputs), s.Error}
				}
				out.Print([]string{"#", "TASK_ID", "NAME", "STATE", "OUTPUTS", "ERROR"}, rows, view)
				if !out.asJSON {
					out.Notice(fmt.Sprintf("Chain %s: %s (%d/%d steps)", view.ParentID, view.State, len(view.Steps), view.Total))
				}
				return nil
			}

			res, err := client.Result(args[0])
			if err != nil {
				return err
			}
			printResult(out, res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&chain, "chain", false, "Show every step of a sequential chain")

	return cmd
}

// NewCancelCmd создаёт команду cancel.
func NewCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a task, chain or stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			st, err := client.Cancel(args[0], reason)
			if err != nil {
				return err
			}

			out.Notice(fmt.Sprintf("Task cancelled: %s", st.TaskID))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	return cmd
}

// NewStreamsCmd создаёт команду streams.
func NewStreamsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "List active stream tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			streams, err := client.Streams()
			if err != nil {
				return err
			}

			rows := make([][]string, len(streams))
			for i, s := range streams {
				rows[i] = []string{
					s.TaskID, s.Name, s.Trigger, s.State,
					strconv.FormatUint(s.Invocations, 10),
					strconv.FormatUint(s.Dropped, 10),
					s.StartedAt,
				}
			}
			out.Print([]string{"TASK_ID", "NAME", "TRIGGER", "STATE", "INVOCATIONS", "DROPPED", "STARTED"}, rows, streams)
			return nil
		},
	}
}

// NewWorkersCmd создаёт команду workers.
func NewWorkersCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List live workers and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			workers, err := client.Workers()
			if err != nil {
				return err
			}

			rows := make([][]string, len(workers))
			for i, w := range workers {
				rows[i] = []string{w.WorkerID, strings.Join(w.Capabilities, ","), w.State, strconv.Itoa(w.ActiveTasks), w.LastHeartbeat}
			}
			out.Print([]string{"WORKER_ID", "CAPABILITIES", "STATE", "ACTIVE", "LAST_HEARTBEAT"}, rows, workers)
			return nil
		},
	}
}

func printResult(out *Output, res *ResultResponse) {
	out.Print(
		[]string{"TASK_ID", "STATE", "EPOCH", "WORKER", "DURATION_MS", "OUTPUTS", "ERROR"},
		[][]string{{
			res.TaskID, res.State,
			strconv.FormatUint(res.Epoch, 10), res.WorkerID,
			strconv.FormatInt(res.ExecutionTimeMs, 10),
			formatOutputs(res.Outputs), res.Error,
		}},
		res,
	)
}

// readDefinition читает документ определения из файла или stdin ("-").
func readDefinition(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return data, nil
}

// parseInputs собирает входы из --inputs-json и --input KEY=VALUE.
// Значение KEY=VALUE разбирается как JSON, иначе берётся строкой.
func parseInputs(pairs []string, rawJSON string) (map[string]any, error) {
	if len(pairs) == 0 && rawJSON == "" {
		return nil, nil
	}

	inputs := make(map[string]any)
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &inputs); err != nil {
			return nil, fmt.Errorf("invalid --inputs-json: %w", err)
		}
	}

	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		inputs[key] = v
	}
	return inputs, nil
}

// formatOutputs печатает outputs как key=value в порядке ключей.
func formatOutputs(outputs map[string]any) string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, outputs[k])
	}
	return strings.Join(parts, " ")
}
