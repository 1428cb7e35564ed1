package apihttp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hexpool/ipv6pool/internal/apperrors"
	"github.com/hexpool/ipv6pool/internal/model"
	"github.com/hexpool/ipv6pool/internal/poolsvc"
)

// Handlers implements the RPC surface's HTTP handlers on top of a
// poolsvc.Service.
type Handlers struct {
	svc *poolsvc.Service
	err *errorWriter
}

func newHandlers(svc *poolsvc.Service, err *errorWriter) *Handlers {
	return &Handlers{svc: svc, err: err}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Stats handles GET /stats. Without ?dbname= it returns the global
// summary; with it, the named mirror's breakdown.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	if dbname == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"global": h.svc.GlobalStats()})
		return
	}

	stats, err := h.svc.MirrorStats(dbname)
	if err != nil {
		h.err.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Spawn handles GET /spawn.
func (h *Handlers) Spawn(w http.ResponseWriter, r *http.Request) {
	addr, err := h.svc.Spawn(r.Context())
	if err != nil {
		h.err.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"addr": addr.String()})
}

// Spawns handles GET /spawns?num=.
func (h *Handlers) Spawns(w http.ResponseWriter, r *http.Request) {
	num, err := queryInt(r, "num", 1)
	if err != nil {
		h.err.writeMalformed(w, r, err.Error())
		return
	}

	addrs, complete, err := h.svc.Spawns(r.Context(), num)
	if err != nil {
		h.err.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"addrs":    addrStrings(addrs),
		"complete": complete,
	})
}

type checkRequest struct {
	Addr string `json:"addr"`
}

// Check handles POST /check.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		h.err.writeMalformed(w, r, err.Error())
		return
	}
	addr, err := model.ParseAddress(req.Addr)
	if err != nil {
		h.err.writeMalformed(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"usable": h.svc.Check(r.Context(), addr)})
}

type checksRequest struct {
	Addrs []string `json:"addrs"`
}

// Checks handles POST /checks.
func (h *Handlers) Checks(w http.ResponseWriter, r *http.Request) {
	var req checksRequest
	if err := decodeJSON(r, &req); err != nil {
		h.err.writeMalformed(w, r, err.Error())
		return
	}

	addrs := make([]model.Address, 0, len(req.Addrs))
	for _, s := range req.Addrs {
		addr, err := model.ParseAddress(s)
		if err != nil {
			h.err.writeMalformed(w, r, err.Error())
			return
		}
		addrs = append(addrs, addr)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"usables": h.svc.Checks(r.Context(), addrs)})
}

// Pick handles GET /pick?dbname=.
func (h *Handlers) Pick(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	if dbname == "" {
		h.err.writeMalformed(w, r, "dbname is required")
		return
	}

	addr, err := h.svc.Pick(dbname)
	if err != nil {
		h.err.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"addr": addr.String()})
}

// Picks handles GET /picks?dbname=&num=.
func (h *Handlers) Picks(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	if dbname == "" {
		h.err.writeMalformed(w, r, "dbname is required")
		return
	}
	num, err := queryInt(r, "num", 1)
	if err != nil {
		h.err.writeMalformed(w, r, err.Error())
		return
	}

	addrs, err := h.svc.Picks(dbname, num)
	if err != nil {
		h.err.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"addrs": addrStrings(addrs)})
}

type reportRequest struct {
	Addr   string `json:"addr"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (rr reportRequest) toReportInfo() (model.ReportInfo, error) {
	addr, err := model.ParseAddress(rr.Addr)
	if err != nil {
		return model.ReportInfo{}, err
	}
	status, err := model.ParseAddrStatus(rr.Status)
	if err != nil {
		return model.ReportInfo{}, err
	}
	return model.ReportInfo{Addr: addr, Status: status, Reason: rr.Reason}, nil
}

// Report handles POST /report?dbname=.
func (h *Handlers) Report(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	if dbname == "" {
		h.err.writeMalformed(w, r, "dbname is required")
		return
	}

	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		h.err.writeMalformed(w, r, err.Error())
		return
	}
	info, err := req.toReportInfo()
	if err != nil {
		h.err.writeMalformed(w, r, err.Error())
		return
	}

	ok, err := h.svc.Report(dbname, info)
	if err != nil {
		h.err.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

// Reports handles POST /reports?dbname=.
func (h *Handlers) Reports(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	if dbname == "" {
		h.err.writeMalformed(w, r, "dbname is required")
		return
	}

	var reqs []reportRequest
	if err := decodeJSON(r, &reqs); err != nil {
		h.err.writeMalformed(w, r, err.Error())
		return
	}

	infos := make([]model.ReportInfo, 0, len(reqs))
	for _, rr := range reqs {
		info, err := rr.toReportInfo()
		if err != nil {
			h.err.writeMalformed(w, r, err.Error())
			return
		}
		infos = append(infos, info)
	}

	oks, err := h.svc.Reports(dbname, infos)
	if err != nil {
		h.err.writeError(w, r, err)
		return
	}
	all := true
	for _, ok := range oks {
		if !ok {
			all = false
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": all, "oks": oks})
}

// Save handles POST /save.
func (h *Handlers) Save(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Save(); err != nil {
		h.err.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Flush handles POST /flush?dbname=.
func (h *Handlers) Flush(w http.ResponseWriter, r *http.Request) {
	dbname := r.URL.Query().Get("dbname")
	if err := h.svc.Flush(dbname); err != nil {
		h.err.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperrors.Malformed(key + " must be an integer")
	}
	return n, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperrors.Malformed("invalid JSON body: " + err.Error())
	}
	return nil
}

func addrStrings(addrs []model.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
