package queue

import "github.com/google/uuid"

// namespace seeds every deterministic ID derived from a workout ID.
var namespace = uuid.MustParse("6f3c1d2e-8b4a-5e7f-9c0d-1a2b3c4d5e6f")

// ItemID returns the queue item ID for a workout. Replays map to the same item.
func ItemID(workoutID string) string {
	return uuid.NewSHA1(namespace, []byte("queue:"+workoutID)).String()
}

// DocumentID returns the cloud document ID of one sub-write for a workout.
func DocumentID(kind, workoutID string) string {
	return uuid.NewSHA1(namespace, []byte(kind+":"+workoutID)).String()
}
