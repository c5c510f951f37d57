package registry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// WriteLogs 按行写出日志：[time] [severity] message
func WriteLogs(w io.Writer, entries []LogEntry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "[%s] [%s] %s\n", e.Time.Format(time.RFC3339), e.Severity, e.Message); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ExportLogs 将注册表日志导出到指定文件
func ExportLogs(reg Registry, path string) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("export path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}

	entries := reg.Logs()
	if err := WriteLogs(f, entries); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to write logs: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close export file: %w", err)
	}
	return len(entries), nil
}
