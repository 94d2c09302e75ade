package xp

// Level is one row of the level table.
type Level struct {
	Number    int    `json:"level"`
	Title     string `json:"title"`
	Threshold int    `json:"threshold"`
}

var levels = []Level{
	{1, "Beginner", 0},
	{2, "Novice", 100},
	{3, "Apprentice", 500},
	{4, "Athlete", 1000},
	{5, "Contender", 2500},
	{6, "Challenger", 5000},
	{7, "Champion", 10000},
	{8, "Elite", 25000},
	{9, "Master", 50000},
	{10, "Grandmaster", 100000},
	{11, "Legend", 250000},
	{12, "Mythic", 500000},
	{13, "Immortal", 1000000},
}

// LevelInfo describes where a cumulative XP total sits in the level table.
// At the top level NextLevelXP equals CurrentLevelXP and MaxLevel is true.
type LevelInfo struct {
	Level          int    `json:"level"`
	Title          string `json:"title"`
	CurrentLevelXP int    `json:"current_level_xp"`
	NextLevelXP    int    `json:"next_level_xp"`
	MaxLevel       bool   `json:"max_level"`
}

// Levels returns a copy of the level table in ascending order.
func Levels() []Level { return append([]Level(nil), levels...) }

// LevelFor maps cumulative XP to its level. Negative totals map to level 1.
func LevelFor(totalXP int) LevelInfo {
	idx := 0
	for i, l := range levels {
		if totalXP >= l.Threshold {
			idx = i
		}
	}
	cur := levels[idx]
	info := LevelInfo{
		Level:          cur.Number,
		Title:          cur.Title,
		CurrentLevelXP: cur.Threshold,
		NextLevelXP:    cur.Threshold,
		MaxLevel:       idx == len(levels)-1,
	}
	if !info.MaxLevel {
		info.NextLevelXP = levels[idx+1].Threshold
	}
	return info
}

// LevelByNumber returns the table row for level n.
func LevelByNumber(n int) (Level, bool) {
	if n < 1 || n > len(levels) {
		return Level{}, false
	}
	return levels[n-1], true
}
