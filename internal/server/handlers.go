package server

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
)

// twiml is the Twilio messaging response envelope.
type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWebhook receives a Twilio WhatsApp message. The sender's WhatsApp
// id keys the conversation thread; the reply goes back as TwiML.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	body := r.PostFormValue("Body")
	from := r.PostFormValue("From")
	waID := r.PostFormValue("WaId")

	threadID := waID
	if threadID == "" {
		threadID = from
	}
	if threadID == "" {
		http.Error(w, "missing sender", http.StatusBadRequest)
		return
	}
	if body == "" {
		s.writeTwiML(w, "Please send a text message describing your trip.")
		return
	}

	reply, err := s.engine.HandleMessage(r.Context(), threadID, body)
	if err != nil {
		s.logger.Error("message handling failed", "thread", threadID, "error", err)
		s.writeTwiML(w, "Sorry, something went wrong on our side. Please try again in a moment.")
		return
	}

	s.writeTwiML(w, reply)
}

func (s *Server) writeTwiML(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(twiml{Message: message}); err != nil {
		s.logger.Error("failed to encode twiml response", "error", err)
	}
}
