package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, 30*time.Second, defaultBackoff(1))
	assert.Equal(t, 60*time.Second, defaultBackoff(2))
	assert.Equal(t, 120*time.Second, defaultBackoff(3))
	// Capped thereafter.
	assert.Equal(t, 120*time.Second, defaultBackoff(7))
}

func TestQueueKeys(t *testing.T) {
	assert.Equal(t, "jobs:sii", listKey(QueueSII))
	assert.Equal(t, "jobs:default:dead", deadKey(QueueDefault))
}
