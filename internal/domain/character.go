package domain

// CharacterProfile is the static definition of one NPC. Profiles are read on
// every dialogue request and written rarely; Revision advances on each put.
type CharacterProfile struct {
	CharacterID string
	Name        string
	Persona     string
	Background  string
	Attributes  map[string]string
	Revision    int64
}
