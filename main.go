package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"skinparty/config"
	"skinparty/discovery"
	"skinparty/events"
	"skinparty/library"
	"skinparty/models"
	"skinparty/network"
	"skinparty/session"
	"skinparty/storage"
)

var log = logging.Logger("skinparty")

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed while loading config: %v\n", err)
		os.Exit(1)
	}
	if level, err := logging.LevelFromString(cfg.LogLevel); err == nil {
		logging.SetAllLoggers(level)
	}
	log.Debugw("config loaded", "path", cfgPath, "data_dir", dataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "host":
		err = runHost(ctx, cfg, dataDir, args)
	case "join":
		err = runJoin(ctx, cfg, dataDir, args)
	case "rooms":
		err = runRooms(ctx, cfg, args)
	case "assets":
		err = runAssets(cfg, dataDir)
	case "history":
		err = runHistory(dataDir, args)
	case "help", "-h", "--help":
		showUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		showUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`Usage: skinparty <command> [flags]

Commands:
  host    [-share FILE -champion NAME -item ID -skin NAME]   host a room
  join    [-pull] [-send FILE -champion NAME ...] CODE       join a room
  rooms   [-watch]                                           list rooms on the LAN
  assets                                                     list imported assets
  history [-limit N]                                         list recent transfers`)
}

// app holds the long-lived pieces a room command needs.
type app struct {
	cfg     *config.AppConfig
	store   *storage.Store
	library *library.Library
	node    *session.Node
	sub     *events.Subscription
	done    chan struct{}
	cancel  context.CancelFunc
}

func openApp(ctx context.Context, cfg *config.AppConfig, dataDir string) (*app, error) {
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Debugw("database opened", "path", dbPath)

	lib, err := library.New(library.Options{
		AssetsDir: cfg.AssetsDir,
		TempDir:   cfg.TempDir,
		Index:     store,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	directory := discovery.NewDirectory(discovery.Config{DisplayName: cfg.DisplayName, DeviceID: cfg.DeviceID})
	peerNetwork := network.NewTCPNetwork(cfg.ListenHost, directory, directory, network.HandshakeOptions{})

	node, err := session.New(session.Options{
		Network:             peerNetwork,
		Files:               lib,
		History:             store,
		JoinTimeout:         cfg.JoinTimeout(),
		ChunkSize:           cfg.ChunkSize,
		MaxFileSize:         cfg.MaxFileSize,
		ResponseTimeout:     cfg.ResponseTimeout(),
		ReceiveTimeout:      cfg.ReceiveTimeout(),
		ChunkDelay:          cfg.ChunkDelay(),
		AutoAcceptTransfers: cfg.AutoAcceptTransfers,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a := &app{
		cfg:     cfg,
		store:   store,
		library: lib,
		node:    node,
		sub:     node.Bus().Subscribe(256),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		defer close(a.done)
		if err := lib.Watch(watchCtx, nil); err != nil {
			log.Warnw("library watch stopped", "error", err)
		}
	}()
	return a, nil
}

func (a *app) Close() {
	a.node.Close()
	a.cancel()
	<-a.done
	if err := a.store.Close(); err != nil {
		log.Warnw("database close error", "error", err)
	}
}

// subjectFlags are the asset identity flags shared by host and join.
type subjectFlags struct {
	file     string
	champion string
	item     string
	skin     string
}

func (s *subjectFlags) register(flags *flag.FlagSet, fileFlag, fileUsage string) {
	flags.StringVar(&s.file, fileFlag, "", fileUsage)
	flags.StringVar(&s.champion, "champion", "", "champion the file applies to")
	flags.StringVar(&s.item, "item", "", "skin item id")
	flags.StringVar(&s.skin, "skin", "", "skin display name")
}

func (s *subjectFlags) subject() (models.Subject, error) {
	if strings.TrimSpace(s.champion) == "" {
		return models.Subject{}, errors.New("-champion is required with a file")
	}
	return models.Subject{Champion: s.champion, ItemID: s.item, Name: s.skin}, nil
}

func runHost(ctx context.Context, cfg *config.AppConfig, dataDir string, args []string) error {
	flags := flag.NewFlagSet("host", flag.ExitOnError)
	var share subjectFlags
	share.register(flags, "share", "custom skin file to offer to members")
	_ = flags.Parse(args)

	a, err := openApp(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer a.Close()

	code, err := a.node.Create(ctx, cfg.DisplayName)
	if err != nil {
		return err
	}
	fmt.Printf("Room Code:       %s\n", code)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)

	if share.file != "" {
		subject, err := share.subject()
		if err != nil {
			return err
		}
		record, err := a.library.ImportAsset(share.file, subject)
		if err != nil {
			return err
		}
		selection := selectionFor(record)
		if err := a.node.BroadcastSelections([]models.Selection{selection}); err != nil {
			return err
		}
		fmt.Printf("Sharing:         %s (%d bytes)\n", record.FileName, record.ByteSize)
	}

	fmt.Println("Status:          hosting (press Ctrl+C to stop)")
	a.runEvents(ctx, nil)
	return nil
}

func runJoin(ctx context.Context, cfg *config.AppConfig, dataDir string, args []string) error {
	flags := flag.NewFlagSet("join", flag.ExitOnError)
	pull := flags.Bool("pull", false, "download every custom skin other members share")
	var send subjectFlags
	send.register(flags, "send", "custom skin file to push to the host after joining")
	_ = flags.Parse(args)
	if flags.NArg() != 1 {
		return errors.New("join requires a room code")
	}

	a, err := openApp(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer a.Close()

	code := flags.Arg(0)
	if err := a.node.Join(ctx, code, cfg.DisplayName); err != nil {
		return err
	}
	fmt.Printf("Joined Room:     %s as %s\n", strings.ToUpper(code), a.node.Room().SelfID())

	if send.file != "" {
		subject, err := send.subject()
		if err != nil {
			return err
		}
		selection := models.Selection{Champion: subject.Champion, ItemID: subject.ItemID, Name: subject.Name}
		go a.request(ctx, a.node.Room().Snapshot().ID, selection, send.file)
	}

	var onRoom func(*models.Room)
	if *pull {
		requested := make(map[string]bool)
		selfID := a.node.Room().SelfID()
		onRoom = func(room *models.Room) {
			for _, member := range append([]models.Member{room.Host}, room.Members...) {
				if member.ID == selfID {
					continue
				}
				for _, selection := range member.ActiveSelections {
					if !selection.Transferable() {
						continue
					}
					key := member.ID + "|" + selection.Transfer.ContentHash
					if requested[key] {
						continue
					}
					requested[key] = true
					go a.request(ctx, member.ID, selection, "")
				}
			}
		}
		onRoom(a.node.Room().Snapshot())
	}

	fmt.Println("Status:          in room (press Ctrl+C to leave)")
	a.runEvents(ctx, onRoom)
	return nil
}

func (a *app) request(ctx context.Context, peerID string, selection models.Selection, token string) {
	transferID, err := a.node.RequestFile(ctx, peerID, selection, token)
	if err != nil {
		log.Warnw("transfer request failed", "peer", peerID, "skin", selection.Name, "error", err)
		return
	}
	if _, err := a.node.Transfers().Wait(ctx, transferID); err != nil {
		log.Warnw("transfer failed", "id", transferID, "error", err)
	}
}

func selectionFor(record models.AssetRecord) models.Selection {
	return models.Selection{
		Champion: record.Subject.Champion,
		ItemID:   record.Subject.ItemID,
		ChromaID: record.Subject.ChromaID,
		Name:     record.Subject.Name,
		Transfer: &models.TransferDescriptor{
			LocalPathToken:   record.Path,
			ByteSize:         record.ByteSize,
			ContentHash:      record.ContentHash,
			FileName:         record.FileName,
			SupportsTransfer: true,
		},
	}
}

// runEvents prints bus events until ctx ends or the room is gone.
func (a *app) runEvents(ctx context.Context, onRoom func(*models.Room)) {
	input := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.sub.C:
			if !ok {
				return
			}
			switch e := event.(type) {
			case events.RoomUpdated:
				if e.Room == nil {
					fmt.Println("room closed")
					return
				}
				fmt.Printf("room %s: host %s, %d member(s)\n", e.Room.ID, e.Room.Host.Name, len(e.Room.Members))
				if onRoom != nil {
					onRoom(e.Room)
				}
			case events.MemberJoined:
				fmt.Printf("member joined: %s (%s)\n", e.Member.Name, e.Member.ID)
			case events.MemberLeft:
				fmt.Printf("member left: %s\n", e.Member.Name)
			case events.TransferRequested:
				a.decide(input, e.Request)
			case events.TransferProgress:
				log.Debugw("transfer progress", "id", e.TransferID, "percent", e.Percent)
			case events.TransferCompleted:
				fmt.Printf("transfer %s completed: %s\n", e.TransferID, e.Path)
			case events.TransferFailed:
				fmt.Printf("transfer %s failed: %v\n", e.TransferID, e.Err)
			case events.TransferCancelled:
				fmt.Printf("transfer %s cancelled\n", e.TransferID)
			case events.ProtocolViolation:
				log.Warnw("protocol violation", "peer", e.PeerID, "error", e.Err)
			}
		}
	}
}

func (a *app) decide(input *bufio.Scanner, request *events.TransferRequest) {
	if a.cfg.AutoAcceptTransfers {
		return
	}
	fmt.Printf("%s offers %s for %s (%d bytes). Accept? [y/N] ",
		request.PeerID, request.Metadata.FileName, request.Subject.Champion, request.Metadata.FileSize)
	answer := ""
	if input.Scan() {
		answer = strings.ToLower(strings.TrimSpace(input.Text()))
	}
	var err error
	if answer == "y" || answer == "yes" {
		err = request.Accept()
	} else {
		err = request.Reject("")
	}
	if err != nil {
		fmt.Printf("transfer %s: %v\n", request.TransferID, err)
	}
}

func runRooms(ctx context.Context, cfg *config.AppConfig, args []string) error {
	flags := flag.NewFlagSet("rooms", flag.ExitOnError)
	watch := flags.Bool("watch", false, "keep scanning and print changes")
	_ = flags.Parse(args)

	scanner, err := discovery.NewRoomScanner(discovery.Config{DisplayName: cfg.DisplayName, DeviceID: cfg.DeviceID})
	if err != nil {
		return err
	}
	scanner.Start()
	defer scanner.Stop()

	refreshCtx, cancel := context.WithTimeout(ctx, 2*discovery.DefaultScanTimeout)
	err = scanner.Refresh(refreshCtx)
	cancel()
	if err != nil && ctx.Err() == nil {
		return err
	}

	rooms := scanner.ListRooms()
	if len(rooms) == 0 {
		fmt.Println("no rooms found")
	}
	for _, room := range rooms {
		fmt.Printf("%s  %-20s %-8s %s\n", room.Address, room.DisplayName, shortDevice(room.DeviceID), room.HostPort())
	}
	if !*watch {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-scanner.Events():
			if !ok {
				return nil
			}
			switch event.Type {
			case discovery.EventRoomSeen:
				fmt.Printf("+ %s  %-20s %-8s %s\n", event.Room.Address, event.Room.DisplayName, shortDevice(event.Room.DeviceID), event.Room.HostPort())
			case discovery.EventRoomGone:
				fmt.Printf("- %s\n", event.Room.Address)
			}
		}
	}
}

// shortDevice trims a device id for listings; rooms from the same machine share it.
func shortDevice(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runAssets(cfg *config.AppConfig, dataDir string) error {
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	lib, err := library.New(library.Options{AssetsDir: cfg.AssetsDir, TempDir: cfg.TempDir, Index: store})
	if err != nil {
		return err
	}
	assets, err := lib.Assets()
	if err != nil {
		return err
	}
	for _, asset := range assets {
		fmt.Printf("%-12s %-28s %10d  %s\n", asset.Subject.Champion, asset.FileName, asset.ByteSize, asset.Path)
	}
	return nil
}

func runHistory(dataDir string, args []string) error {
	flags := flag.NewFlagSet("history", flag.ExitOnError)
	limit := flags.Int("limit", 20, "number of transfers to list")
	_ = flags.Parse(args)

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	records, err := store.ListTransfers(*limit)
	if err != nil {
		return err
	}
	for _, record := range records {
		started := time.UnixMilli(record.StartedAt).Format(time.DateTime)
		fmt.Printf("%s  %-7s %-10s %-28s %s\n", started, record.Direction, record.State, record.Metadata.FileName, record.PeerID)
	}
	return nil
}
