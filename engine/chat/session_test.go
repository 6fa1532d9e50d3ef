package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/wessley-companion/engine/domain"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestAppendStampsAndBumps(t *testing.T) {
	s := NewSession()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = fixedClock(at)

	require.NoError(t, s.Append("v1", domain.ChatTurn{Role: domain.RoleUser, Text: "oi"}))
	require.NoError(t, s.Append("v1", domain.ChatTurn{Role: domain.RoleAssistant, Text: "olá"}))

	turns := s.TurnsFor("v1")
	require.Len(t, turns, 2)
	require.Equal(t, at, turns[0].Timestamp)
	require.True(t, turns[1].Timestamp.After(turns[0].Timestamp))
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	s := NewSession()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append("v1", domain.ChatTurn{Role: domain.RoleUser, Text: "a", Timestamp: at}))
	err := s.Append("v1", domain.ChatTurn{Role: domain.RoleAssistant, Text: "b", Timestamp: at})
	require.True(t, errors.Is(err, ErrOutOfOrder))
	err = s.Append("v1", domain.ChatTurn{Role: domain.RoleAssistant, Text: "b", Timestamp: at.Add(-time.Second)})
	require.True(t, errors.Is(err, ErrOutOfOrder))

	// Other vehicles have their own ordering.
	require.NoError(t, s.Append("v2", domain.ChatTurn{Role: domain.RoleUser, Text: "c", Timestamp: at.Add(-time.Hour)}))
	require.Len(t, s.TurnsFor("v1"), 1)
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	s := NewSession()
	require.Error(t, s.Append("v1", domain.ChatTurn{Role: "system", Text: "x"}))
	require.Empty(t, s.TurnsFor("v1"))
}

func TestAppendExchangeIsAtomic(t *testing.T) {
	s := NewSession()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := s.AppendExchange("v1",
		domain.ChatTurn{Role: domain.RoleUser, Text: "q", Timestamp: at},
		domain.ChatTurn{Role: domain.RoleAssistant, Text: "a", Timestamp: at.Add(-time.Minute)},
	)
	require.True(t, errors.Is(err, ErrOutOfOrder))
	require.Empty(t, s.TurnsFor("v1"))

	require.NoError(t, s.AppendExchange("v1",
		domain.ChatTurn{Role: domain.RoleUser, Text: "q"},
		domain.ChatTurn{Role: domain.RoleAssistant, Text: "a"},
	))
	turns := s.TurnsFor("v1")
	require.Len(t, turns, 2)
	require.Equal(t, domain.RoleUser, turns[0].Role)
	require.Equal(t, domain.RoleAssistant, turns[1].Role)
}

func TestRecentAndReset(t *testing.T) {
	s := NewSession()
	for _, text := range []string{"1", "2", "3", "4"} {
		require.NoError(t, s.Append("v1", domain.ChatTurn{Role: domain.RoleUser, Text: text}))
	}

	recent := s.Recent("v1", 2)
	require.Equal(t, "3", recent[0].Text)
	require.Equal(t, "4", recent[1].Text)
	require.Len(t, s.Recent("v1", 10), 4)
	require.Nil(t, s.Recent("v1", 0))

	// Returned slices are copies.
	recent[0].Text = "changed"
	require.Equal(t, "3", s.Recent("v1", 2)[0].Text)

	s.Reset("v1")
	require.Empty(t, s.TurnsFor("v1"))
}
