package state

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	prefixTask       = "task/"
	prefixUID        = "uid/"
	keyCounter       = "counter/task"
	prefixSpool      = "spool/"
	prefixWaiting    = "waiting/"
	prefixRunning    = "running/"
	prefixFailed     = "failed/"
	prefixFinished   = "finished/"
	prefixOccurrence = "occurrence/"
	prefixResult     = "result/"
	keyStatus        = "status/scheduler"
)

func pad(n int64) string { return fmt.Sprintf("%020d", n) }

func unix(t time.Time) int64 {
	if s := t.Unix(); s > 0 {
		return s
	}
	return 0
}

func taskKey(id int64) string          { return prefixTask + pad(id) }
func uidKey(uid string) string         { return prefixUID + uid }
func runningKey(id int64) string       { return prefixRunning + pad(id) }
func resultKey(id int64) string        { return prefixResult + pad(id) }
func occurrencePrefix(id int64) string { return prefixOccurrence + pad(id) + "/" }

func waitingKey(ts time.Time, id int64) string {
	return prefixWaiting + pad(unix(ts)) + "/" + pad(id)
}

// indexKey builds a failed/finished entry. occ < 0 means the task itself.
func indexKey(prefix string, ts time.Time, id int64, occ int) string {
	leaf := "task"
	if occ >= 0 {
		leaf = pad(int64(occ))
	}
	return prefix + pad(unix(ts)) + "/" + pad(id) + "/" + leaf
}

// splitTimeID parses "<prefix><ts>/<id>[/...]".
func splitTimeID(key, prefix string) (time.Time, int64, bool) {
	parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
	if len(parts) < 2 {
		return time.Time{}, 0, false
	}
	ts, err1 := strconv.ParseInt(parts[0], 10, 64)
	id, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return time.Time{}, 0, false
	}
	return time.Unix(ts, 0).UTC(), id, true
}
