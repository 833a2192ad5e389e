// Package eaipc implements the file-drop IPC contract with broker-side
// execution agents. A fire is one CSV file in the EA's directory; presence
// means pending, absence means processed. The EA answers with a JSON
// confirmation file that the confirmation listener consumes and removes.
package eaipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/schema"
)

// Channel is a file-drop channel rooted at a directory with one
// subdirectory per EA.
type Channel struct {
	root string
}

// New creates a channel rooted at dir.
func New(dir string) *Channel {
	return &Channel{root: dir}
}

// FirePath returns the pending-fire file for a fire.
func (c *Channel) FirePath(targetUUID, fireID string) string {
	return filepath.Join(c.root, targetUUID, "fire_"+fireID+".csv")
}

// WriteFire drops the fire instruction file. The write is atomic (temp file
// plus rename) so the EA never reads a partial line. The forbidden-symbol
// guard runs here as the last line of defense: nothing banned may reach an
// EA regardless of what upstream validation let through.
func (c *Channel) WriteFire(fire *signalbus.Fire) error {
	if _, err := schema.CheckSymbol(fire.Symbol); err != nil {
		return fmt.Errorf("refuse IPC write for fire %s: %w", fire.FireID, err)
	}
	dir := filepath.Join(c.root, fire.TargetUUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create EA dir %s: %w", fire.TargetUUID, err)
	}
	// fire_id,symbol,direction,lot,price,tp,sl[,comment]
	fields := []string{
		fire.FireID,
		fire.Symbol,
		string(fire.Direction),
		strconv.FormatFloat(fire.Lot, 'f', 2, 64),
		strconv.FormatFloat(0, 'f', -1, 64), // market order: no price
		strconv.FormatFloat(fire.TakeProfit, 'f', -1, 64),
		strconv.FormatFloat(fire.StopLoss, 'f', -1, 64),
	}
	if fire.Comment != "" {
		fields = append(fields, strings.ReplaceAll(fire.Comment, ",", " "))
	}
	line := strings.Join(fields, ",") + "\n"

	path := c.FirePath(fire.TargetUUID, fire.FireID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write fire file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit fire file: %w", err)
	}
	return nil
}

// Pending reports whether the EA has not yet consumed the fire.
func (c *Channel) Pending(targetUUID, fireID string) bool {
	_, err := os.Stat(c.FirePath(targetUUID, fireID))
	return err == nil
}

// confirmationFile mirrors the JSON the EA writes back.
type confirmationFile struct {
	FireID    string  `json:"fire_id"`
	Status    string  `json:"status"`
	Ticket    string  `json:"ticket"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Sequence  int     `json:"sequence"`
	Timestamp int64   `json:"timestamp"`
}

// ScanConfirmations reads and removes every confirmation file under the
// root. Files that fail to parse are renamed aside rather than deleted so
// a malformed EA build loses nothing.
func (c *Channel) ScanConfirmations() ([]*signalbus.Confirmation, error) {
	matches, err := filepath.Glob(filepath.Join(c.root, "*", "confirmation_*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan confirmations: %w", err)
	}
	var out []*signalbus.Confirmation
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cf confirmationFile
		if err := json.Unmarshal(data, &cf); err != nil || cf.FireID == "" {
			_ = os.Rename(path, path+".bad")
			continue
		}
		out = append(out, &signalbus.Confirmation{
			FireID:    cf.FireID,
			Sequence:  cf.Sequence,
			Status:    signalbus.ConfirmationStatus(cf.Status),
			Ticket:    cf.Ticket,
			Price:     cf.Price,
			Volume:    cf.Volume,
			Timestamp: time.Unix(cf.Timestamp, 0).UTC(),
		})
		_ = os.Remove(path)
	}
	return out, nil
}
