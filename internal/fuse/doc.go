/*
Package fuse connects the Cloud Disk filesystem to the kernel through the
go-fuse raw protocol API.

FileSystem translates each FUSE request into a call on
clouddisk.FileSystem. Node ids are the core's inode numbers and file
handles are the core's handle numbers, so no translation tables live here.
Directory listings arrive from the core as encoded fuse_dirent records and
are re-added to the reply with their original cursors.

MountManager owns the go-fuse server:

	core, _ := clouddisk.New(cfg)
	raw := fuse.NewFileSystem(core, fuse.Config{AttrTimeout: time.Second})
	mm := fuse.NewMountManager(raw, "/mnt/clouddisk", fuse.MountOptions{})
	if err := mm.Mount(); err != nil {
		return err
	}
	defer mm.Unmount()
	mm.Wait()

Only Linux is supported.
*/
package fuse
