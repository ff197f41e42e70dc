package util_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/switchyard/pkg/util"
)

func TestPathTreeInsertReplaces(t *testing.T) {
	tree := util.NewPathTree[string]()
	tree.Insert([]string{"cron", "nightly", "0"}, "first")
	tree.Insert([]string{"cron", "nightly", "0"}, "second")

	assert.Equal(t, 1, tree.Len())
	assert.Equal(t, []string{"second"},
		tree.Detach([]string{"cron", "nightly", "0"}),
	)
	assert.Equal(t, 0, tree.Len())
}

func TestPathTreeRemovePrunes(t *testing.T) {
	tree := util.NewPathTree[int]()
	tree.Insert([]string{"queue", "orders", "m1"}, 1)
	tree.Insert([]string{"queue", "billing"}, 2)

	tree.Remove([]string{"queue", "orders", "m1"})
	assert.Equal(t, 1, tree.Len())
	assert.Nil(t, tree.Detach([]string{"queue", "orders"}))

	tree.Remove([]string{"queue", "missing"})
	tree.Remove([]string{"queue"})
	assert.Equal(t, 1, tree.Len())
	assert.Equal(t, []int{2}, tree.Detach([]string{"queue"}))
}

func TestPathTreeDetachPrefix(t *testing.T) {
	tree := util.NewPathTree[int]()
	tree.Insert([]string{"cron", "a", "0"}, 1)
	tree.Insert([]string{"cron", "a", "1"}, 2)
	tree.Insert([]string{"cron", "b", "0"}, 3)
	tree.Insert([]string{"retry", "x"}, 4)

	var got []int
	tree.DetachWith([]string{"cron", "a"}, func(v int) {
		got = append(got, v)
	})
	assert.ElementsMatch(t, []int{1, 2}, got)
	assert.Equal(t, 2, tree.Len())
	assert.Nil(t, tree.Detach([]string{"cron", "a"}))

	assert.ElementsMatch(t, []int{3, 4}, tree.Detach(nil))
	assert.Equal(t, 0, tree.Len())
}

func TestPathTreeRootValue(t *testing.T) {
	tree := util.NewPathTree[int]()
	tree.Insert(nil, 7)
	tree.Insert([]string{"a"}, 8)
	assert.Equal(t, 2, tree.Len())

	tree.Remove(nil)
	assert.Equal(t, 1, tree.Len())
	assert.Equal(t, []int{8}, tree.Detach(nil))
}
