// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package workload

import (
	"bufio"
	"io"
	"os"
)

// FileStore keeps the image in a local file.
type FileStore struct {
	Path string
}

func (s FileStore) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}

	return f, nil
}

func (s FileStore) Create() (io.WriteCloser, error) {
	f, err := os.Create(s.Path)
	if err != nil {
		return nil, err
	}

	return &bufferedFile{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

// The driver hands over one block at a time, hence the buffering.
type bufferedFile struct {
	f *os.File
	w *bufio.Writer
}

func (b *bufferedFile) Write(p []byte) (int, error) {
	return b.w.Write(p)
}

func (b *bufferedFile) Close() error {
	err := b.w.Flush()
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}

	return err
}
