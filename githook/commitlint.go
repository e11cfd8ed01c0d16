package main

import (
	"fmt"
	"os"
	"regexp"
)

var commitRe = regexp.MustCompile(`^(feat|fix|docs|style|refactor|perf|test|chore)(\([^)]+\))?: .+`)

func main() {
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Printf("\033[1;31m✗ Error reading commit message: %v\033[0m\n", err)
		os.Exit(1)
	}

	if !commitRe.MatchString(string(data)) {
		fmt.Println("\033[1;31m✗ Commit message does not follow Conventional Commits format.\033[0m")
		fmt.Println("\033[1;33mFormat:\033[0m <type>(<scope>): <description>")
		fmt.Println("\033[1;33mTypes:\033[0m feat fix docs style refactor perf test chore")
		fmt.Println("\033[1;33mExamples:\033[0m")
		fmt.Println("  feat(shim): report subshell depth in events")
		fmt.Println("  fix(session): flush queued evals before resume")
		fmt.Println("  docs: update README with usage examples")
		os.Exit(1)
	}
	fmt.Println("\033[1;32m✓ Commit message format looks good!\033[0m")
}
