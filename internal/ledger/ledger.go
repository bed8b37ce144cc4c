// Package ledger implements the durable result ledger backed by an xlsx
// workbook, with a crash-safe save protocol.
package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

// Column layout of the ledger sheet. Roles are fixed by convention: the item
// identity, five derived result fields, the status text, and the leased
// mailbox identity.
const (
	colIdentity  = 1
	colFirstName = 5
	colLastName  = 6
	colEmail     = 7
	colPassword  = 8
	colToken     = 9
	colStatus    = 10
	colMailbox   = 11
)

// Config captures ledger paths and save-retry behavior.
type Config struct {
	Path          string
	BackupPath    string
	EmergencyPath string
	Sheet         string
	StaleAfter    time.Duration
	SaveRetries   int
	RetryDelay    time.Duration
}

// Ledger is the in-memory workbook plus its persistence protocol. All row
// mutations and saves are serialized by one lock, distinct from the crash
// registry's lock.
type Ledger struct {
	mu      sync.Mutex
	file    *excelize.File
	sheet   string
	cfg     Config
	clock   provision.Clock
	sleeper provision.Sleeper
	logger  *zap.Logger
}

// Open loads the workbook at cfg.Path.
func Open(cfg Config, clock provision.Clock, sleeper provision.Sleeper, logger *zap.Logger) (*Ledger, error) {
	if cfg.Sheet == "" {
		cfg.Sheet = "Sheet1"
	}
	if cfg.SaveRetries <= 0 {
		cfg.SaveRetries = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	f, err := excelize.OpenFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", cfg.Path, err)
	}
	return &Ledger{
		file:    f,
		sheet:   cfg.Sheet,
		cfg:     cfg,
		clock:   clock,
		sleeper: sleeper,
		logger:  logger,
	}, nil
}

// PendingItems computes the work set for this run: every row whose status is
// not the Success sentinel. Called once at startup; the set never grows.
func (l *Ledger) PendingItems() ([]provision.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.file.GetRows(l.sheet)
	if err != nil {
		return nil, fmt.Errorf("read ledger rows: %w", err)
	}

	var items []provision.Item
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		identity := cellAt(row, colIdentity)
		if identity == "" {
			continue
		}
		status := provision.Status(cellAt(row, colStatus))
		if status == provision.StatusSuccess {
			continue
		}
		items = append(items, provision.Item{
			ProfileID: identity,
			Row:       i + 1,
			Status:    status,
		})
	}
	return items, nil
}

// SetStatus writes the status text for a row.
func (l *Ledger) SetStatus(row int, status provision.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setCell(row, colStatus, string(status))
}

// SetResult writes the derived account fields for a row.
func (l *Ledger) SetResult(row int, account provision.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setCell(row, colFirstName, account.FirstName)
	l.setCell(row, colLastName, account.LastName)
	l.setCell(row, colEmail, account.Email)
	l.setCell(row, colPassword, account.Password)
	l.setCell(row, colToken, account.RefreshToken)
}

// SetMailbox records which leased mailbox was used for a row.
func (l *Ledger) SetMailbox(row int, address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setCell(row, colMailbox, address)
}

// StatusAt reads back the status text for a row.
func (l *Ledger) StatusAt(row int) provision.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	cell, err := excelize.CoordinatesToCellName(colStatus, row)
	if err != nil {
		return provision.StatusPending
	}
	val, err := l.file.GetCellValue(l.sheet, cell)
	if err != nil {
		return provision.StatusPending
	}
	return provision.Status(strings.TrimSpace(val))
}

func (l *Ledger) setCell(row, col int, value string) {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		l.logger.Error("bad cell coordinates", zap.Int("row", row), zap.Int("col", col), zap.Error(err))
		return
	}
	if err := l.file.SetCellValue(l.sheet, cell, value); err != nil {
		l.logger.Error("set cell failed", zap.String("cell", cell), zap.Error(err))
	}
}

func cellAt(row []string, col int) string {
	if col-1 >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col-1])
}
