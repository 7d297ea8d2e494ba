package feed

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

const structureDoc = `<?xml version="1.0" encoding="UTF-8"?>
<ficAlimMENESR>
  <addRequest>
    <identifier><id>ETAB-1</id></identifier>
    <operationalAttributes>
      <attr name="categoriePersonne"><value>Etablissement</value></attr>
    </operationalAttributes>
    <attributes>
      <attr name="ENTStructureUAI"><value>0691234A</value></attr>
      <attr name="ENTStructureClasses">
        <value>6A$Sixieme A$6EME</value>
        <value>6B$Sixieme B</value>
      </attr>
    </attributes>
  </addRequest>
  <modifyRequest>
    <identifier><id>ETAB-2</id></identifier>
    <attributes>
      <attr name="ENTStructureUAI"><value>0695678B</value></attr>
    </attributes>
  </modifyRequest>
  <deleteRequest>
    <identifier><id>ETAB-3</id></identifier>
  </deleteRequest>
</ficAlimMENESR>`

const studentDoc = `<?xml version="1.0" encoding="UTF-8"?>
<ficAlimMENESR>
  <addRequest>
    <identifier><id>ELEVE-1</id></identifier>
    <attributes>
      <attr name="ENTPersonNom"><value>Bernard</value></attr>
    </attributes>
  </addRequest>
</ficAlimMENESR>`

func writeArchive(t *testing.T, entries ...[2]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	file, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(file)
	for _, e := range entries {
		entry, err := w.Create(e[0])
		require.NoError(t, err)
		_, err = entry.Write([]byte(e[1]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, file.Close())
	return path
}

func TestZipReaderRoutesEntriesByCategory(t *testing.T) {
	path := writeArchive(t,
		[2]string{"ENT_0691234A_Complet_20260827_EtabEducNat_0001.xml", structureDoc},
		[2]string{"ENT_0691234A_Complet_20260827_Eleve_0001.xml", studentDoc},
		[2]string{"readme.txt", "not an export entry"},
	)
	reader := NewZipReader(path, nil)

	structures, err := reader.Read(context.Background(), models.CategoryStructure)
	require.NoError(t, err)
	require.Len(t, structures, 2, "deleteRequest elements are skipped")

	first := structures[0]
	assert.Equal(t, "add", first.Operation)
	assert.Equal(t, "ETAB-1", first.ExternalID)
	assert.Equal(t, []string{"Etablissement"}, first.Categories)
	assert.Equal(t, "0691234A", first.First("ENTStructureUAI"))
	assert.Equal(t, []string{"6A$Sixieme A$6EME", "6B$Sixieme B"}, first.Values("ENTStructureClasses"))
	assert.Empty(t, first.First("ENTStructureVille"))

	assert.Equal(t, "modify", structures[1].Operation)
	assert.Equal(t, "ETAB-2", structures[1].ExternalID)

	students, err := reader.Read(context.Background(), models.CategoryStudent)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, "ELEVE-1", students[0].ExternalID)
}

func TestZipReaderMultipleEntriesKeepArchiveOrder(t *testing.T) {
	path := writeArchive(t,
		[2]string{"ENT_X_Eleve_0001.xml", studentDoc},
		[2]string{"ENT_X_Eleve_0002.xml", `<?xml version="1.0"?><ficAlimMENESR><addRequest><identifier><id>ELEVE-2</id></identifier></addRequest></ficAlimMENESR>`},
	)
	reader := NewZipReader(path, nil)

	records, err := reader.Read(context.Background(), models.CategoryStudent)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ELEVE-1", records[0].ExternalID)
	assert.Equal(t, "ELEVE-2", records[1].ExternalID)
}

func TestZipReaderMissingArchive(t *testing.T) {
	reader := NewZipReader(filepath.Join(t.TempDir(), "absent.zip"), nil)
	_, err := reader.Read(context.Background(), models.CategoryStaff)
	assert.Error(t, err)
}

func TestZipReaderMalformedEntry(t *testing.T) {
	path := writeArchive(t, [2]string{"ENT_X_Eleve_0001.xml", "<ficAlimMENESR><addRequest>"})
	reader := NewZipReader(path, nil)
	_, err := reader.Read(context.Background(), models.CategoryStudent)
	assert.Error(t, err)
}

func TestZipReaderHonorsContextCancellation(t *testing.T) {
	path := writeArchive(t, [2]string{"ENT_X_Eleve_0001.xml", studentDoc})
	reader := NewZipReader(path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reader.Read(ctx, models.CategoryStudent)
	assert.ErrorIs(t, err, context.Canceled)
}
