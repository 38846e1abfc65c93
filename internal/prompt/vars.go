package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasnoah/featurefactory/internal/pipeline"
)

// PipelineVars are the variables every template can use.
func PipelineVars(p *pipeline.Pipeline) Vars {
	v := Vars{
		"prompt":      p.Prompt,
		"target_path": p.TargetPath,
	}
	var conv []string
	for _, m := range p.Conversation {
		conv = append(conv, fmt.Sprintf("**%s:** %s", m.Role, m.Content))
	}
	// The first message is the original request, already shown as prompt.
	if len(conv) > 1 {
		v["conversation"] = strings.Join(conv, "\n\n")
	}
	var reqs []string
	for _, r := range p.Requirements {
		reqs = append(reqs, fmt.Sprintf("- %s [%s] %s", r.ID, r.Status, r.Title))
	}
	v["requirements"] = strings.Join(reqs, "\n")
	return v
}

// RequirementVars adds the variables of one requirement attempt.
func RequirementVars(p *pipeline.Pipeline, r pipeline.Requirement, attempt, maxAttempts int, previousFailure string) Vars {
	v := PipelineVars(p)
	v["requirement_id"] = r.ID
	v["requirement_title"] = r.Title
	v["requirement_description"] = r.Description
	var ac []string
	for _, c := range r.AcceptanceCriteria {
		ac = append(ac, "- "+c)
	}
	v["acceptance_criteria"] = strings.Join(ac, "\n")
	v["attempt"] = strconv.Itoa(attempt)
	v["max_attempts"] = strconv.Itoa(maxAttempts)
	v["previous_failure"] = previousFailure
	return v
}

// PhaseTemplate returns the template name for a work phase.
func PhaseTemplate(phase pipeline.Phase) (string, error) {
	switch phase {
	case pipeline.PhaseQA:
		return TemplateQA, nil
	case pipeline.PhaseExploring:
		return TemplateExploring, nil
	case pipeline.PhasePlanning:
		return TemplatePlanning, nil
	case pipeline.PhaseExecuting:
		return TemplateExecuting, nil
	case pipeline.PhaseTesting:
		return TemplateTesting, nil
	}
	return "", fmt.Errorf("no template for phase %q", phase)
}
