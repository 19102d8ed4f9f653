package logger

// Grading domain field helpers keep log keys consistent between components.

func Component(name string) Field { return String("component", name) }
func JobID(id string) Field { return String("job_id", id) }
func SessionID(id string) Field { return String("session_id", id) }
func SubmissionID(id string) Field { return String("submission_id", id) }
func RubricID(id string) Field { return String("rubric_id", id) }
func KeyID(id string) Field { return String("key_id", id) }
func Tool(name string) Field { return String("tool", name) }
func Attempt(n int) Field { return Int("attempt", n) }
func Step(n int) Field { return Int("step", n) }
func MessageID(id string) Field { return String("message_id", id) }
func RequestID(id string) Field { return String("request_id", id) }
