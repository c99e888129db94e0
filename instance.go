package spacekeeper

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// InstanceIDFilename is the name of the file holding the cluster instance id.
const InstanceIDFilename = "instance-id"

// ReadOrCreateInstanceID returns the instance id persisted in dir. A new id is
// generated and written if none exists so the identity survives restarts.
func ReadOrCreateInstanceID(fsys OS, dir string) (string, error) {
	path := filepath.Join(dir, InstanceIDFilename)

	buf, err := fsys.ReadFile("INSTANCEID:READ", path)
	if err == nil {
		id := strings.TrimSpace(string(buf))
		if _, err := uuid.Parse(id); err != nil {
			return "", errors.Wrapf(err, "invalid instance id in %s", path)
		}
		return id, nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "read instance id")
	}

	if err := fsys.MkdirAll("INSTANCEID:WRITE", dir, 0777); err != nil {
		return "", errors.Wrap(err, "mkdir")
	}

	id := uuid.NewString()
	if err := writeFileAtomic(fsys, "INSTANCEID:WRITE", path, []byte(id+"\n")); err != nil {
		return "", errors.Wrap(err, "write instance id")
	}
	return id, nil
}
