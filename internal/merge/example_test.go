package merge_test

import (
	"fmt"

	"github.com/sparkchat/sparksync/internal/merge"
)

func ExampleParseRule() {
	policy := merge.DefaultPolicy()
	fmt.Println(policy)

	rule, err := merge.ParseRule("local")
	if err != nil {
		fmt.Println(err)
		return
	}
	policy.Title = rule
	fmt.Println(policy)

	_, err = merge.ParseRule("newest")
	fmt.Println(err)
	// Output:
	// title=remote content=local
	// title=local content=local
	// unknown conflict rule "newest" (want remote or local)
}
