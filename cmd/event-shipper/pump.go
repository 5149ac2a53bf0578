package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

const maxRecordSize = 4 * 1024 * 1024

type rawSender interface {
	SendRaw(record string) error
}

// pump reads newline-delimited records from r and sends each non-blank line.
// It stops at EOF or when ctx is done and returns the number of records sent.
func pump(ctx context.Context, r io.Reader, s rawSender, logger *zap.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)

	sent := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return sent, nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.SendRaw(line); err != nil {
			logger.Warn("Record rejected", zap.Error(err))
			continue
		}
		sent++
	}

	if err := scanner.Err(); err != nil {
		return sent, fmt.Errorf("failed to scan input: %w", err)
	}
	return sent, nil
}
