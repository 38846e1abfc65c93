package prompt

// Template file names.
const (
	TemplateSystem    = "system.md"
	TemplateQA        = "qa.md"
	TemplateExploring = "exploring.md"
	TemplatePlanning  = "planning.md"
	TemplateExecuting = "executing.md"
	TemplateTesting   = "testing.md"
	TemplateAgent     = "agent.md"
)

var builtinTemplates = map[string]string{
	TemplateSystem:    systemTemplate,
	TemplateQA:        qaTemplate,
	TemplateExploring: exploringTemplate,
	TemplatePlanning:  planningTemplate,
	TemplateExecuting: executingTemplate,
	TemplateTesting:   testingTemplate,
	TemplateAgent:     agentTemplate,
}

const systemTemplate = `You are working inside an automated feature pipeline. An operator watches
your progress through the workflow tools; report through them rather than in
prose.

> **Do not invoke any skills or slash commands.** Use only the tools you are given.
{{#if target_path}}

All work happens in: {{target_path}}
{{/if}}
`

const qaTemplate = `# Requirements: {{prompt}}

Turn this feature request into a concrete, ordered list of requirements.

## Instructions
1. Read the code in the working directory to understand what already exists
2. If the request is ambiguous, call ask_user with your questions and stop
3. Otherwise call set_requirements exactly once with every requirement in execution order
4. Give each requirement a short title, a description, a priority (high, medium or low) and acceptance criteria that can be checked
5. Group related requirements into epics when that helps
{{#if conversation}}

## Conversation so far
{{conversation}}
{{/if}}
`

const requirementHeader = `## Feature
{{prompt}}

## Requirement {{requirement_id}}: {{requirement_title}}
{{#if requirement_description}}
{{requirement_description}}
{{/if}}
{{#if acceptance_criteria}}

### Acceptance Criteria
{{acceptance_criteria}}
{{/if}}

Attempt {{attempt}} of {{max_attempts}}.
{{#if previous_failure}}

## Previous Attempt Failed
{{previous_failure}}
Address this before anything else.
{{/if}}
`

const exploringTemplate = `# Explore: {{requirement_title}}

` + requirementHeader + `
## Instructions
1. Call update_status with phase "exploring"
2. Find the code this requirement touches and read it
3. Log what you learned with log_progress
4. Do not change any files yet
`

const planningTemplate = `# Plan: {{requirement_title}}

` + requirementHeader + `
## Instructions
1. Call update_status with phase "planning"
2. Write down the files to change and the order of the changes
3. Log the plan with log_progress
4. Do not change any files yet
`

const executingTemplate = `# Implement: {{requirement_title}}

` + requirementHeader + `
## Instructions
1. Call update_status with phase "executing"
2. Implement the requirement following your plan
3. Write or update tests for your changes and run them
4. Report milestones with log_progress
`

const testingTemplate = `# Test: {{requirement_title}}

` + requirementHeader + `
## Instructions
1. Call update_status with phase "testing"
2. Verify every acceptance criterion against the running application using the browser tools
3. Call report_test_result exactly once for {{requirement_id}}
4. Use failure_kind "configuration" only when the environment itself is broken
`

const agentTemplate = `# Build: {{prompt}}

Implement every requirement below, in order.

## Requirements
{{requirements}}

## Instructions
1. Call get_requirements to see the current status
2. For each pending requirement call start_requirement, implement it, then call complete_requirement
3. If a requirement cannot be done, call fail_requirement with the reason and move on
4. Report progress with log_progress
{{#if enable_testing}}
5. Verify your work with the browser tools and call report_test_result for each requirement
{{/if}}
`
