package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"
)

// MinKeyLength is the minimum HMAC key size accepted for chaining.
const MinKeyLength = 32

// Signer computes the chained HMAC of entries.
type Signer struct {
	key []byte
}

// NewSigner validates and copies the chain key.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("audit: hmac key must be at least %d bytes", MinKeyLength)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

type canonicalEntry struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"ts"`
	ActorID   string `json:"actor"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	SourceIP  string `json:"ip"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail"`
	PrevHash  string `json:"prev"`
}

// Sum returns the hex HMAC of e including its PrevHash.
func (s *Signer) Sum(e Entry) string {
	data, _ := json.Marshal(canonicalEntry{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		ActorID:   e.ActorID,
		Action:    e.Action,
		Resource:  e.Resource,
		SourceIP:  e.SourceIP,
		Outcome:   string(e.Outcome),
		Detail:    e.Detail,
		PrevHash:  e.PrevHash,
	})
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Valid reports whether e carries the hash its content produces.
func (s *Signer) Valid(e Entry) bool {
	return hmac.Equal([]byte(e.Hash), []byte(s.Sum(e)))
}

// Report summarises a chain verification.
type Report struct {
	OK      bool     `json:"ok"`
	Checked int      `json:"checked"`
	LastID  int64    `json:"last_id"`
	Issues  []string `json:"issues"`
}

// maxReportedIssues bounds Report.Issues on badly damaged chains.
const maxReportedIssues = 100

// VerifyEntries walks entries in id order and checks ids, links and hashes.
func (s *Signer) VerifyEntries(ctx context.Context, entries iter.Seq2[Entry, error]) (Report, error) {
	report := Report{Issues: []string{}}
	var prev *Entry
	var iterErr error
	for e, err := range entries {
		if err != nil {
			iterErr = err
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			iterErr = ctxErr
			break
		}
		report.Checked++
		report.LastID = e.ID
		if prev == nil {
			if e.ID != 1 {
				report.addIssue(fmt.Sprintf("entry %d: chain does not start at id 1", e.ID))
			}
			if e.PrevHash != "" {
				report.addIssue(fmt.Sprintf("entry %d: first entry has a previous hash", e.ID))
			}
		} else {
			if e.ID != prev.ID+1 {
				report.addIssue(fmt.Sprintf("entry %d: gap after id %d", e.ID, prev.ID))
			}
			if e.PrevHash != prev.Hash {
				report.addIssue(fmt.Sprintf("entry %d: previous hash mismatch", e.ID))
			}
			if e.Timestamp.Before(prev.Timestamp) {
				report.addIssue(fmt.Sprintf("entry %d: timestamp precedes entry %d", e.ID, prev.ID))
			}
		}
		if !s.Valid(e) {
			report.addIssue(fmt.Sprintf("entry %d: hash does not match content", e.ID))
		}
		cur := e
		prev = &cur
	}
	if iterErr != nil {
		return report, iterErr
	}
	report.OK = len(report.Issues) == 0
	return report, nil
}

func (r *Report) addIssue(issue string) {
	if len(r.Issues) < maxReportedIssues {
		r.Issues = append(r.Issues, issue)
	}
}

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit: log closed")
