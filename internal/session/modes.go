package session

import "encoding/json"

// sessionPayload is the union of the field spellings agents use in
// session.new / session.select results.
type sessionPayload struct {
	SessionID      string          `json:"sessionId"`
	SessionIDSnake string          `json:"session_id"`
	Cwd            string          `json:"cwd"`
	CurrentModeID  string          `json:"currentModeId"`
	CurrentModeIDS string          `json:"current_mode_id"`
	CurrentMode    json.RawMessage `json:"currentMode"`
	AvailableModes json.RawMessage `json:"availableModes"`
	AvailableSnake json.RawMessage `json:"available_modes"`
	Modes          json.RawMessage `json:"modes"`
	Models         json.RawMessage `json:"models"`
}

// modesState is the normalized mode information of a session.
type modesState struct {
	Current   string
	Available []Mode
}

// parseModes normalizes every known spelling of the mode fields. "modes" may
// be a list of modes or an object with its own current/available fields.
func parseModes(p sessionPayload) modesState {
	var out modesState

	out.Current = firstNonEmpty(p.CurrentModeID, p.CurrentModeIDS)
	if out.Current == "" && len(p.CurrentMode) > 0 {
		var id string
		var m rawMode
		if err := json.Unmarshal(p.CurrentMode, &id); err == nil {
			out.Current = id
		} else if err := json.Unmarshal(p.CurrentMode, &m); err == nil {
			out.Current = firstNonEmpty(m.ID, m.ModeID)
		}
	}
	out.Available = decodeModeList(p.AvailableModes)
	if out.Available == nil {
		out.Available = decodeModeList(p.AvailableSnake)
	}

	if len(p.Modes) > 0 {
		if list := decodeModeList(p.Modes); list != nil {
			if out.Available == nil {
				out.Available = list
			}
		} else {
			var nested sessionPayload
			if err := json.Unmarshal(p.Modes, &nested); err == nil {
				inner := parseModes(nested)
				if out.Current == "" {
					out.Current = inner.Current
				}
				if out.Available == nil {
					out.Available = inner.Available
				}
			}
		}
	}
	return out
}

type rawMode struct {
	ID          string `json:"id"`
	ModeID      string `json:"modeId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// decodeModeList returns nil when raw is not a JSON array.
func decodeModeList(raw json.RawMessage) []Mode {
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	modes := make([]Mode, 0, len(items))
	for _, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			modes = append(modes, Mode{ID: id, Name: id})
			continue
		}
		var m rawMode
		if err := json.Unmarshal(item, &m); err != nil {
			continue
		}
		id = firstNonEmpty(m.ID, m.ModeID)
		if id == "" {
			continue
		}
		modes = append(modes, Mode{ID: id, Name: firstNonEmpty(m.Name, id), Description: m.Description})
	}
	return modes
}

type modelsPayload struct {
	AvailableModels []rawModel `json:"availableModels"`
	Models          []rawModel `json:"models"`
	CurrentModelID  string     `json:"currentModelId"`
}

type rawModel struct {
	ID      string `json:"id"`
	ModelID string `json:"modelId"`
	Name    string `json:"name"`
}

// parseModels accepts a bare list or an object carrying availableModels /
// models plus currentModelId.
func parseModels(raw json.RawMessage) ([]Model, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	var list []rawModel
	var current string
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, ""
		}
	} else {
		var obj modelsPayload
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, ""
		}
		list = obj.AvailableModels
		if list == nil {
			list = obj.Models
		}
		current = obj.CurrentModelID
	}

	models := make([]Model, 0, len(list))
	for _, m := range list {
		id := firstNonEmpty(m.ID, m.ModelID)
		if id == "" {
			continue
		}
		models = append(models, Model{ID: id, Name: firstNonEmpty(m.Name, id)})
	}
	return models, current
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
