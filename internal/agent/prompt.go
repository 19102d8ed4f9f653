package agent

import (
	"fmt"
	"strings"

	"github.com/jonesrussell/north-cloud/grader/internal/domain"
)

const maxPromptContentRunes = 60000

const continueNudge = "Continue grading with the available tools. Call generate_feedback once every criterion has been assessed."

func systemPrompt(b *domain.Bundle, maxSteps int) string {
	var sb strings.Builder
	sb.WriteString("You grade student submissions against a rubric. ")
	sb.WriteString("Gather evidence with the tools, score every criterion, and finish by calling generate_feedback exactly once. ")
	fmt.Fprintf(&sb, "You have at most %d turns. ", maxSteps)
	sb.WriteString("Call calculate_confidence before generate_feedback, and call check_similarity when earlier submissions are available.\n\n")

	if b.UserLanguage != "" {
		fmt.Fprintf(&sb, "Write all feedback in the language identified by %q.\n\n", b.UserLanguage)
	}

	fmt.Fprintf(&sb, "Rubric: %s\n", b.Rubric.Name)
	if b.Rubric.Description != "" {
		fmt.Fprintf(&sb, "%s\n", b.Rubric.Description)
	}
	for _, c := range b.Rubric.Criteria {
		fmt.Fprintf(&sb, "- [%s] %s (max %.1f): %s\n", c.ID, c.Name, c.MaxScore, c.Description)
		for _, lvl := range c.Levels {
			fmt.Fprintf(&sb, "    %.1f: %s\n", lvl.Score, lvl.Description)
		}
	}

	if len(b.References) > 0 {
		sb.WriteString("\nReference documents available to search_reference:\n")
		for _, r := range b.References {
			fmt.Fprintf(&sb, "- %s\n", r.FileName)
		}
	}
	fmt.Fprintf(&sb, "\nEarlier submissions available to check_similarity: %d\n", len(b.PriorSubmissions))
	return sb.String()
}

func submissionPrompt(b *domain.Bundle) string {
	name := b.FileName
	if name == "" {
		name = b.SubmissionID
	}
	return fmt.Sprintf("Grade the following submission (%s).\n\n<submission>\n%s\n</submission>",
		name, truncate(b.Content, maxPromptContentRunes))
}
