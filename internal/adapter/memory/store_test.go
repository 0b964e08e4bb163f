package memory_test

import (
	"testing"

	"github.com/Strob0t/stageflow/internal/adapter/memory"
	"github.com/Strob0t/stageflow/internal/port/database"
	"github.com/Strob0t/stageflow/internal/port/database/databasetest"
)

func TestStore_Compliance(t *testing.T) {
	databasetest.RunCompliance(t, func(t *testing.T) database.Store {
		return memory.NewStore()
	})
}
