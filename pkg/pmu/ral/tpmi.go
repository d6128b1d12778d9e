package ral

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/opcm/opcmd/pkg/errors"
)

// TpmiHandle reads and writes a TPMI (Topology-Aware Register Access)
// mailbox entry through the kernel's intel_tpmi debugfs interface
// (/sys/kernel/debug/tpmi-*/tpmi-id-<ID>/{mem_dump,mem_write}), the
// indirect-MMIO path newer server parts expose in place of a directly
// mapped per-box MMIO range (original_source/src/tpmi.cpp
// TPMIHandleDriver). RegisterHandle offsets are byte offsets into the
// addressed entry, always 4-byte aligned.
type TpmiHandle struct {
	dir       string // e.g. /sys/kernel/debug/tpmi-0/tpmi-id-2
	entryPos  int
	baseWords int64 // offset, in 4-byte words, this handle always addresses within the entry

	mu sync.Mutex
}

// OpenTPMI opens the mailbox entry at entryPos within the TPMI instance
// rooted at dir. offset is the fixed byte offset into the entry's data
// this handle operates on; Read64/Write64's own offset argument is added
// to it, so a caller composing several registers out of one entry can
// still address them independently.
func OpenTPMI(dir string, entryPos int, offset int64) (*TpmiHandle, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tpmi: %s not present, intel_tpmi driver not loaded: %w", dir, errors.Unsupported())
		}
		return nil, errors.AccessDenied("stat "+dir, err)
	}
	return &TpmiHandle{dir: dir, entryPos: entryPos, baseWords: offset / 4}, nil
}

type tpmiEntry struct {
	offset uint32
	data   []uint32
}

// tpmiInvalidValue marks an entry slot the driver could not populate
// (original_source/src/tpmi.cpp TPMIInvalidValue).
const tpmiInvalidValue = 0xFFFFFFFF

func readTPMIFile(dir string) ([]tpmiEntry, error) {
	f, err := os.Open(dir + "/mem_dump")
	if err != nil {
		return nil, errors.TransientIO("tpmi mem_dump: " + err.Error())
	}
	defer f.Close()

	var entries []tpmiEntry
	var cur tpmiEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "TPMI Instance:"); idx >= 0 {
			if len(cur.data) > 0 {
				entries = append(entries, cur)
			}
			cur = tpmiEntry{}
			fields := strings.Fields(line)
			// "TPMI Instance: <n> offset 0x<hex>" — last field is the hex offset.
			if len(fields) > 0 {
				if off, err := strconv.ParseUint(strings.TrimPrefix(fields[len(fields)-1], "0x"), 16, 32); err == nil {
					cur.offset = uint32(off)
				}
			}
			continue
		}
		fields := strings.Fields(line)
		for _, tok := range fields[min(1, len(fields)):] {
			v, err := strconv.ParseUint(tok, 16, 32)
			if err != nil {
				continue
			}
			cur.data = append(cur.data, uint32(v))
		}
	}
	if len(cur.data) > 0 {
		entries = append(entries, cur)
	}
	return entries, nil
}

func findValidEntry(entries []tpmiEntry, entryPos int) (tpmiEntry, error) {
	valid := 0
	for _, e := range entries {
		if len(e.data) == 0 || e.data[0] == tpmiInvalidValue {
			continue
		}
		if valid == entryPos {
			return e, nil
		}
		valid++
	}
	return tpmiEntry{}, errors.Configuration(fmt.Sprintf("tpmi: entry %d not found among %d valid entries", entryPos, valid))
}

func (h *TpmiHandle) Read64(offset int64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := readTPMIFile(h.dir)
	if err != nil {
		return 0, err
	}
	e, err := findValidEntry(entries, h.entryPos)
	if err != nil {
		return 0, err
	}
	i := h.baseWords + offset/4
	if i < 0 || int(i)+1 >= len(e.data) {
		return 0, errors.Protocol("tpmi: read64 offset out of range")
	}
	return uint64(e.data[i]) | uint64(e.data[i+1])<<32, nil
}

func (h *TpmiHandle) Read32(offset int64) (uint32, error) {
	v, err := h.Read64(offset &^ 7)
	if err != nil {
		return 0, err
	}
	if offset%8 >= 4 {
		return uint32(v >> 32), nil
	}
	return uint32(v), nil
}

func (h *TpmiHandle) Write64(offset int64, value uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := readTPMIFile(h.dir)
	if err != nil {
		return err
	}
	e, err := findValidEntry(entries, h.entryPos)
	if err != nil {
		return err
	}
	byteOff := h.baseWords*4 + offset
	path := h.dir + "/mem_write"
	if err := writeMailbox(path, h.entryPos, byteOff, uint32(value)); err != nil {
		return err
	}
	_ = e // entry located only to validate entryPos before issuing the writes
	return writeMailbox(path, h.entryPos, byteOff+4, uint32(value>>32))
}

func (h *TpmiHandle) Write32(offset int64, value uint32) error {
	cur, err := h.Read64(offset &^ 7)
	if err != nil {
		return err
	}
	var next uint64
	if offset%8 >= 4 {
		next = (cur & 0xFFFFFFFF) | uint64(value)<<32
	} else {
		next = (cur &^ 0xFFFFFFFF) | uint64(value)
	}
	return h.Write64(offset&^7, next)
}

func writeMailbox(path string, entryPos int, byteOffset int64, word uint32) error {
	line := fmt.Sprintf("%d,%d,%d", entryPos, byteOffset, word)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return errors.AccessDenied("open "+path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return errors.TransientIO("tpmi mem_write: " + err.Error())
	}
	return nil
}

func (h *TpmiHandle) Close() error { return nil }

func (h *TpmiHandle) String() string {
	return fmt.Sprintf("tpmi:%s#%d", h.dir, h.entryPos)
}
