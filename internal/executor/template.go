package executor

import (
	"errors"
	"strings"
)

type tokens struct {
	taskID     string
	promptPath string
	workdir    string
	repoRoot   string
}

// ResolveCommand fills {task_id}, {prompt_path}, {workdir} and {repo_root}
// in an argv template. The template must reference the task through
// {task_id} or {prompt_path}.
func ResolveCommand(template []string, taskID, promptPath, workdir, repoRoot string) ([]string, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, errors.New("task id is required")
	}
	return applyTemplate(template, tokens{taskID: taskID, promptPath: promptPath, workdir: workdir, repoRoot: repoRoot})
}

func applyTemplate(template []string, values tokens) ([]string, error) {
	if len(template) == 0 || strings.TrimSpace(template[0]) == "" {
		return nil, errors.New("executor command is required")
	}
	updated := make([]string, len(template))
	referencesTask := false
	for i, token := range template {
		if strings.Contains(token, "{task_id}") || strings.Contains(token, "{prompt_path}") {
			referencesTask = true
		}
		if strings.Contains(token, "{prompt_path}") && strings.TrimSpace(values.promptPath) == "" {
			return nil, errors.New("executor command uses {prompt_path} but no prompt was written")
		}
		token = strings.ReplaceAll(token, "{task_id}", values.taskID)
		token = strings.ReplaceAll(token, "{prompt_path}", values.promptPath)
		token = strings.ReplaceAll(token, "{workdir}", values.workdir)
		token = strings.ReplaceAll(token, "{repo_root}", values.repoRoot)
		updated[i] = token
	}
	if !referencesTask {
		return nil, errors.New("executor command must include {task_id} or {prompt_path}")
	}
	return updated, nil
}
