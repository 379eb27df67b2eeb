package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
)

// ------- input -------

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func parseID(s, field string) (uuid.UUID, error) {
	id, err := uuid.FromString(strings.TrimSpace(s))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errs.Validation(field, "invalid id %q", s)
	}
	return id, nil
}

func parseIDs(args []string, field string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(args))
	for _, a := range args {
		id, err := parseID(a, field)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// messageText takes the message from a file ('-' = stdin) or the remaining args.
func messageText(args []string, file string) (string, error) {
	if file == "" {
		return strings.Join(args, " "), nil
	}
	if len(args) > 0 {
		return "", errs.Validation("file", "pass the message as arguments or --file, not both")
	}
	b, err := readAll(file)
	if err != nil {
		return "", errs.Wrap(errs.ErrValidation, "cannot read message file", err)
	}
	return string(b), nil
}

// ------- output -------

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func tsString(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type messageRow struct {
	ID            string `json:"id"`
	Seq           int64  `json:"seq"`
	From          string `json:"from"`
	Own           bool   `json:"own,omitempty"`
	Content       string `json:"content"`
	Edited        bool   `json:"edited,omitempty"`
	Read          string `json:"read_at,omitempty"`
	Undecryptable bool   `json:"undecryptable,omitempty"`
	At            string `json:"at"`
}

type historyView struct {
	Messages  []messageRow `json:"messages"`
	HasMore   bool         `json:"has_more"`
	Cursor    int64        `json:"cursor"`
	FromCache bool         `json:"from_cache,omitempty"`
}

func historyRows(h model.MessageHistory) historyView {
	v := historyView{Messages: []messageRow{}, HasMore: h.HasMore, Cursor: h.Cursor, FromCache: h.FromCache}
	for _, m := range h.Messages {
		at := m.CreatedAt
		v.Messages = append(v.Messages, messageRow{
			ID:            m.ID.String(),
			Seq:           m.SequenceNumber,
			From:          m.SenderID.String(),
			Own:           m.IsOwn,
			Content:       m.Content,
			Edited:        m.Edited,
			Read:          tsString(m.ReadAt),
			Undecryptable: m.Undecryptable,
			At:            tsString(&at),
		})
	}
	return v
}

type sendRow struct {
	ID     string `json:"id"`
	Seq    int64  `json:"seq"`
	Status string `json:"status"`
}

func sendResultRow(r model.SendResult) sendRow {
	return sendRow{ID: r.Message.ID.String(), Seq: r.Message.SequenceNumber, Status: string(r.Status)}
}

type queueRow struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation_id"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	NextRetry    string `json:"next_retry_at,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func queueRows(items []model.QueuedMessage) []queueRow {
	rows := make([]queueRow, 0, len(items))
	for _, it := range items {
		next := it.NextRetryAt
		r := queueRow{
			ID:           it.ID.String(),
			Conversation: it.ConversationID.String(),
			Status:       string(it.Status),
			Attempts:     it.AttemptCount,
			LastError:    it.LastError,
		}
		if it.Status == model.QueuePending {
			r.NextRetry = tsString(&next)
		}
		rows = append(rows, r)
	}
	return rows
}
