package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/callmon/pkg/monitor/overlay"
	"github.com/vango-go/callmon/pkg/monitor/router"
	"github.com/vango-go/callmon/pkg/monitor/store"
)

// maxReplayLine allows recorded frames well above bufio's 64KiB default.
const maxReplayLine = 4 << 20

func newReplayCommand(ctx *commandContext) *cobra.Command {
	var nowFlag string

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Apply recorded backend messages offline and print the result",
		Long: `Reads one backend JSON message per line, runs each through the same
decoder and participant store the monitor uses, and prints the final
overlay. Blank lines and lines starting with # are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.logger(cmd)
			if err != nil {
				return err
			}
			now := time.Now()
			if strings.TrimSpace(nowFlag) != "" {
				now, err = time.Parse(time.RFC3339, nowFlag)
				if err != nil {
					return fmt.Errorf("--now: %w", err)
				}
			}

			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open recording: %w", err)
			}
			defer file.Close()

			st := store.New(store.Options{Logger: logger})
			r := router.New(nil, router.Options{Logger: logger, Now: func() time.Time { return now }})
			r.Subscribe(st)

			scanner := bufio.NewScanner(file)
			scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				r.HandleMessage([]byte(line))
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read recording: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, overlay.Render(st.Snapshot(), now))

			rs, ss := r.Stats(), st.Stats()
			fmt.Fprintf(out, "messages: %d received, %d applied, %d duplicate, %d pending, %d ignored, %d malformed, %d unknown\n",
				rs.Received, ss.Applied, ss.Duplicates, ss.Pending, ss.Ignored, rs.DecodeErrors, rs.UnknownTypes)
			return nil
		},
	}
	cmd.Flags().StringVar(&nowFlag, "now", "", "Reference time for note ages (RFC3339); defaults to the current time")
	return cmd
}
