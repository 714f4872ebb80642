package models

// Genome is the evolutionary algorithm's view of one individual. The
// coordinator writes Fitness back onto it after aggregation.
type Genome struct {
	Key        int64
	SpeciesID  int
	Controller []byte
	Fitness    *float64
}

// Track is one entry of the track catalog
type Track struct {
	ID         string  `mapstructure:"id" yaml:"id" json:"id"`
	TargetTime float64 `mapstructure:"target_time" yaml:"target_time" json:"target_time"`
}

// TrackIDs returns the identifiers of the given tracks in order
func TrackIDs(tracks []Track) []string {
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	return ids
}

// TargetTimes returns the target times of the given tracks in order
func TargetTimes(tracks []Track) []float64 {
	times := make([]float64, len(tracks))
	for i, t := range tracks {
		times[i] = t.TargetTime
	}
	return times
}
