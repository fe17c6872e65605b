package outreach

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldStop(t *testing.T) {
	tests := []struct {
		name       string
		stopOn     []string
		recent     []string
		replied    bool
		wantReason string
		wantStop   bool
	}{
		{
			name:     "no triggers never stops",
			stopOn:   nil,
			recent:   []string{"bounced"},
			replied:  true,
			wantStop: false,
		},
		{
			name:       "reply trigger fires",
			stopOn:     []string{"replied", "bounced"},
			replied:    true,
			wantReason: "replied",
			wantStop:   true,
		},
		{
			name:     "reply without subscription keeps going",
			stopOn:   []string{"bounced"},
			replied:  true,
			wantStop: false,
		},
		{
			name:       "bounced record fires",
			stopOn:     []string{"bounced"},
			recent:     []string{"delivered", "bounced"},
			wantReason: "bounced",
			wantStop:   true,
		},
		{
			name:       "unsubscribed record fires",
			stopOn:     []string{"replied", "unsubscribed"},
			recent:     []string{"unsubscribed"},
			wantReason: "unsubscribed",
			wantStop:   true,
		},
		{
			name:     "engagement statuses are not triggers",
			stopOn:   []string{"replied", "bounced", "unsubscribed", "complained"},
			recent:   []string{"opened", "clicked", "delivered"},
			wantStop: false,
		},
		{
			name:       "reply wins over record statuses",
			stopOn:     []string{"replied", "bounced"},
			recent:     []string{"bounced"},
			replied:    true,
			wantReason: "replied",
			wantStop:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, stop := ShouldStop(tt.stopOn, tt.recent, tt.replied)
			assert.Equal(t, tt.wantStop, stop)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}
