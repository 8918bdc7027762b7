package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"orders-etl/internal/stream"
)

var createStream bool

var publishCmd = &cobra.Command{
	Use:   "publish [FILE.jsonl]",
	Short: "Publish change event envelopes from a JSONL file (or stdin) into the stream",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(command *cobra.Command, args []string) error {
		var in io.Reader = command.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			in = f
		}

		conn, err := stream.Connect(stream.ConnectOptions{
			URL:           cfg.Source.URL,
			Name:          "orders-etl-publisher",
			MaxReconnect:  cfg.Source.MaxReconnect,
			ReconnectWait: cfg.Source.ReconnectWait,
		}, logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		if createStream || cfg.Source.CreateStream {
			js, err := conn.JetStream()
			if err != nil {
				return fmt.Errorf("failed to get JetStream context: %w", err)
			}
			if err := stream.EnsureStream(js, cfg.Source.Stream, []string{cfg.Source.SubjectPrefix + ".>"}); err != nil {
				return err
			}
		}

		publisher, err := stream.NewPublisher(conn, cfg.Source.SubjectPrefix, cfg.Source.Partitions, logger)
		if err != nil {
			return err
		}

		n, err := publishLines(in, publisher.Publish)
		logger.Infof("Published %d envelopes", n)
		return err
	},
}

func init() {
	publishCmd.Flags().BoolVar(&createStream, "create-stream", false, "create the JetStream stream when it does not exist")
}

// publishLines calls publish for every non-blank line of in
func publishLines(in io.Reader, publish func([]byte) (uint64, error)) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	n := 0
	for line := 1; scanner.Scan(); line++ {
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		envelope := make([]byte, len(data))
		copy(envelope, data)
		if _, err := publish(envelope); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read envelopes: %w", err)
	}
	return n, nil
}
