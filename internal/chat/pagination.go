package chat

import (
	"sort"

	"github.com/4xmen/kanal/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100

	unknownAuthor = "Unknown User"
)

// MessageQuery selects a page of plaintext messages. A zero Limit means
// DefaultPageSize.
type MessageQuery struct {
	ChannelID *uint64
	Limit     int
	Offset    int
}

func (q MessageQuery) normalize() MessageQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// sortNewestFirst orders by timestamp descending, breaking ties by id ascending.
func sortNewestFirst(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.After(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// paginate filters, sorts and slices msgs. total is the filtered count
// before slicing.
func paginate(msgs []models.Message, q MessageQuery) (page []models.Message, total uint64, hasMore bool) {
	q = q.normalize()

	filtered := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if q.ChannelID != nil && (m.ChannelID == nil || *m.ChannelID != *q.ChannelID) {
			continue
		}
		filtered = append(filtered, m)
	}
	sortNewestFirst(filtered)

	total = uint64(len(filtered))
	hasMore = uint64(q.Offset)+uint64(q.Limit) < total

	start := q.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + q.Limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], total, hasMore
}

func withAuthor(m models.Message, authorName string) models.MessageWithAuthor {
	return models.MessageWithAuthor{
		ID:          m.ID,
		Author:      m.Author,
		AuthorName:  authorName,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		ChannelID:   m.ChannelID,
		ReplyTo:     m.ReplyTo,
		Kind:        m.Kind,
		Attachments: m.Attachments,
	}
}
