package reservation

// DetectConflict は候補区間と重なる有効な予約を探す
// sameDay には候補と同じ予約日の予約を渡す。excludeID は編集中の予約自身を除外するために使う
func DetectConflict(candidate Interval, excludeID string, sameDay []*Reservation) (*Reservation, bool) {
	for _, existing := range sameDay {
		if existing == nil || !existing.IsActive() {
			continue
		}
		if excludeID != "" && existing.ID == excludeID {
			continue
		}
		if existing.Interval.Overlaps(candidate) {
			return existing, true
		}
	}
	return nil, false
}
