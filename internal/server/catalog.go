package server

import "net/http"

type listResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

type voiceEntry struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Language string `json:"language"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	reg := s.pipe.Voices()
	names := reg.Names()
	out := listResponse[voiceEntry]{Object: "list", Data: make([]voiceEntry, 0, len(names))}
	for _, name := range names {
		st, _ := reg.Lookup(name)
		out.Data = append(out.Data, voiceEntry{ID: name, Object: "voice", Language: st.Language})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listResponse[modelEntry]{
		Object: "list",
		Data:   []modelEntry{{ID: s.modelID, Object: "model", OwnedBy: "koko"}},
	})
}
