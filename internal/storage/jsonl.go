package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"

	"volumeflex/internal/model"
)

// JsonlStorage appends trades to a JSONL file, one trade id at most once.
// A failed append drops the in-memory id set so the next call rereads the
// file; a torn last line is skipped on reload and terminated before the next
// append.
type JsonlStorage struct {
	path       string
	openAppend func(path string) (io.WriteCloser, error)

	mu           sync.Mutex
	ids          map[string]struct{}
	unterminated bool
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path, openAppend: openAppendFile}
}

func openAppendFile(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// InsertTrades appends trades whose id is not in the file yet.
func (s *JsonlStorage) InsertTrades(_ context.Context, trades []model.Trade) ([]model.Trade, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadIDs(); err != nil {
		return nil, err
	}

	var fresh []model.Trade
	batch := make(map[string]struct{}, len(trades))
	for _, trade := range trades {
		if _, ok := s.ids[trade.TradeID]; ok {
			continue
		}
		if _, ok := batch[trade.TradeID]; ok {
			continue
		}
		batch[trade.TradeID] = struct{}{}
		fresh = append(fresh, trade)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	if s.unterminated {
		buf.WriteByte('\n')
	}
	for _, trade := range fresh {
		line, err := sonic.Marshal(trade)
		if err != nil {
			return nil, fmt.Errorf("marshal trade: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := s.openAppend(s.path)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	_, err = file.Write(buf.Bytes())
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.ids = nil
		return nil, fmt.Errorf("write trades: %w", err)
	}

	s.unterminated = false
	for _, trade := range fresh {
		s.ids[trade.TradeID] = struct{}{}
	}
	return fresh, nil
}

// PublishTrades lets the file act as an export next to another sink.
func (s *JsonlStorage) PublishTrades(ctx context.Context, trades []model.Trade) error {
	_, err := s.InsertTrades(ctx, trades)
	return err
}

func (s *JsonlStorage) loadIDs() error {
	if s.ids != nil {
		return nil
	}
	ids := make(map[string]struct{})

	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.ids = ids
			s.unterminated = false
			return nil
		}
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	var last byte
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			last = line[len(line)-1]
			var row struct {
				TradeID string `json:"trade_id"`
			}
			// Lines cut short by an interrupted append do not parse.
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 && sonic.Unmarshal(trimmed, &row) == nil && row.TradeID != "" {
				ids[row.TradeID] = struct{}{}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read output file: %w", err)
		}
	}

	s.ids = ids
	s.unterminated = last != 0 && last != '\n'
	return nil
}
