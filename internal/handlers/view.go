package handlers

import (
	"github.com/zorak1103/ha-humidifier/internal/humidifier"
)

// humidifierView is the JSON shape returned by the tools and resources.
type humidifierView struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	EntityID   string         `json:"entity_id"`
	Loaded     bool           `json:"loaded"`
	Retrying   bool           `json:"retrying,omitempty"`
	Sources    *sourcesView   `json:"sources,omitempty"`
	State      string         `json:"state"`
	Function   string         `json:"function,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

type sourcesView struct {
	Fan      string `json:"fan"`
	Humidity string `json:"humidity"`
	Function string `json:"function,omitempty"`
}

func newHumidifierView(st humidifier.Status) humidifierView {
	name := displayName(st.Entry)
	update := humidifier.Render(st.State, name)

	v := humidifierView{
		ID:         st.Entry.ID,
		Name:       name,
		EntityID:   st.EntityID,
		Loaded:     st.Loaded,
		Retrying:   st.Retrying,
		State:      update.State,
		Function:   st.State.Function.String(),
		Attributes: update.Attributes,
	}
	if st.Loaded {
		v.Sources = &sourcesView{
			Fan:      st.Sources.Fan,
			Humidity: st.Sources.Humidity,
			Function: st.Sources.Function,
		}
	}
	return v
}

func displayName(e humidifier.Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}
