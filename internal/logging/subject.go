package logging

import "strings"

// FormatSubject builds the task/step subject string used in console output.
func FormatSubject(taskID, step string) string {
	taskID = strings.TrimSpace(taskID)
	step = strings.TrimSpace(step)
	if len(taskID) > 8 {
		taskID = taskID[:8]
	}
	switch {
	case taskID != "" && step != "":
		return "Task " + taskID + " (step " + step + ")"
	case taskID != "":
		return "Task " + taskID
	case step != "":
		return "Step " + step
	default:
		return ""
	}
}
