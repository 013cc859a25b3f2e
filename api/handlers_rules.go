package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"castellan/core"
	"castellan/correlation"

	"github.com/gorilla/mux"
)

// RuleSet is the body of GET and PUT /api/v1/rules
type RuleSet struct {
	Rules []core.CorrelationRule `json:"rules"`
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.c.Engine.GetRules(r.Context())
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if rules == nil {
		rules = []core.CorrelationRule{}
	}
	writeJSON(w, http.StatusOK, RuleSet{Rules: rules})
}

// replaceRules handles PUT /api/v1/rules. JSON bodies carry a RuleSet; YAML
// bodies use the rules file format.
func (a *API) replaceRules(w http.ResponseWriter, r *http.Request) {
	var rules []core.CorrelationRule
	if isYAML(r.Header.Get("Content-Type")) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, core.ValidationError("read rules", err), a.logger)
			return
		}
		rules, err = correlation.ParseRules(data)
		if err != nil {
			writeError(w, r, err, a.logger)
			return
		}
	} else {
		var set RuleSet
		if err := decodeJSON(r, &set); err != nil {
			writeError(w, r, err, a.logger)
			return
		}
		rules = set.Rules
	}

	if err := a.c.Engine.ReplaceRules(r.Context(), rules); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	a.getRules(w, r)
}

func isYAML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "yaml") || strings.Contains(ct, "yml")
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.c.Engine.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeRuleError(w, r, err, a)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// putRule handles PUT /api/v1/rules/{id}. The engine assigns the version.
func (a *API) putRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var rule core.CorrelationRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if rule.ID == "" {
		rule.ID = id
	}
	if rule.ID != id {
		writeError(w, r, core.ValidationError("update rule", fmt.Errorf("%w: body id %q does not match path id %q", core.ErrInvalidRule, rule.ID, id)), a.logger)
		return
	}
	updated, err := a.c.Engine.UpdateRule(r.Context(), rule)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	deleted, err := a.c.Engine.DeleteRule(r.Context(), id)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	if !deleted {
		writeErrorMessage(w, http.StatusNotFound, fmt.Sprintf("rule %q not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRuleError answers 404 for unknown rules, which the engine reports as
// validation errors
func writeRuleError(w http.ResponseWriter, r *http.Request, err error, a *API) {
	if core.IsValidation(err) && strings.Contains(err.Error(), "unknown rule") {
		writeErrorMessage(w, http.StatusNotFound, sanitizeErrorMessage(err.Error()))
		return
	}
	writeError(w, r, err, a.logger)
}

func (a *API) getCorrelations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	ruleID := r.URL.Query().Get("rule_id")
	all := a.c.Engine.Correlations(0)
	out := make([]core.EventCorrelation, 0, limit)
	for _, c := range all {
		if ruleID != "" && c.RuleID != ruleID {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getCorrelation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, ok := a.c.Engine.Correlation(id)
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, fmt.Sprintf("correlation %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ConfirmRequest records an analyst verdict
type ConfirmRequest struct {
	Confirmed bool `json:"confirmed"`
}

// confirmCorrelation stores the verdict and queues it for training. A full
// training queue does not undo the verdict.
func (a *API) confirmCorrelation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := a.c.Engine.Correlation(id); !ok {
		writeErrorMessage(w, http.StatusNotFound, fmt.Sprintf("correlation %q not found", id))
		return
	}
	var req ConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, a.logger)
		return
	}
	c, err := a.c.Engine.ConfirmCorrelation(r.Context(), id, req.Confirmed)
	if err != nil {
		if c.ID == "" {
			writeError(w, r, err, a.logger)
			return
		}
		a.logger.Warnw("Correlation verdict stored but not trained", "correlation_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, c)
}

// CorrelationStats is returned by GET /api/v1/correlations/stats
type CorrelationStats struct {
	correlation.Statistics
	TopRules []string `json:"top_rules"`
}

func (a *API) getCorrelationStats(w http.ResponseWriter, r *http.Request) {
	stats := a.c.Engine.GetStatistics()
	writeJSON(w, http.StatusOK, CorrelationStats{Statistics: stats, TopRules: stats.TopRules(5)})
}

func (a *API) getChains(w http.ResponseWriter, r *http.Request) {
	chains := a.c.Engine.Chains()
	if chains == nil {
		chains = []core.AttackChain{}
	}
	writeJSON(w, http.StatusOK, chains)
}
